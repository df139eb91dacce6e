package main

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/itskum47/adpilot/control_plane/store"
)

type submitCommandRequest struct {
	AdAccountID    string         `json:"ad_account_id"`
	TargetType     string         `json:"target_type"`
	TargetID       string         `json:"target_id"`
	Action         string         `json:"action"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// handleSubmitCommand queues a command. A repeated idempotency_key returns
// the stored command with 200 instead of 201.
func (a *API) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req submitCommandRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	cmd, created, err := a.queue.Submit(r.Context(), requester(p), &store.Command{
		AdAccountID:    req.AdAccountID,
		TargetType:     req.TargetType,
		TargetID:       req.TargetID,
		Action:         req.Action,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, cmd)
}

func (a *API) handleListCommands(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	status := strings.ToUpper(r.URL.Query().Get("status_eq"))
	cmds, err := a.queue.List(r.Context(), requester(p), status)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (a *API) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	cmd, err := a.queue.Get(r.Context(), requester(p), mux.Vars(r)["command_id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	result, err := a.store.GetCommandResult(r.Context(), cmd.ID)
	if err != nil && !isNotFound(err) {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*store.Command
		Result *store.CommandResult `json:"result,omitempty"`
	}{cmd, result})
}
