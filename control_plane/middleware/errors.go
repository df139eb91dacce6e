package middleware

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the structured error payload returned by every endpoint.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Category string `json:"category"`
	Detail   string `json:"detail"`
}

// WriteError writes {"error":{"category","detail"}} with the given status.
func WriteError(w http.ResponseWriter, status int, category, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: ErrorDetail{Category: category, Detail: detail}})
}
