package main

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"github.com/itskum47/adpilot/control_plane/store"
)

type createAdAccountRequest struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	AgentID         string `json:"agent_id"`
	MetaAdAccountID string `json:"meta_ad_account_id"`
	Name            string `json:"name"`
	CredRef         string `json:"cred_ref"`
	CurrencyCode    string `json:"currency_code"`
	IsActive        *bool  `json:"is_active"`
}

func (req *createAdAccountRequest) validate() error {
	var missing []string
	for _, f := range []struct{ name, v string }{
		{"id", req.ID},
		{"user_id", req.UserID},
		{"meta_ad_account_id", req.MetaAdAccountID},
		{"name", req.Name},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s: %w", strings.Join(missing, ", "), store.ErrValidation)
	}
	return nil
}

func (a *API) handleCreateAdAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req createAdAccountRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	if !p.CanAccess(req.UserID) {
		a.writeError(w, r, fmt.Errorf("can only create ad accounts for yourself: %w", store.ErrForbidden))
		return
	}
	if req.AgentID != "" {
		agent, err := a.store.GetAgent(r.Context(), req.AgentID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if agent.UserID != req.UserID {
			a.writeError(w, r, fmt.Errorf("agent %s belongs to another user: %w", agent.ID, store.ErrValidation))
			return
		}
	}

	acc := &store.AdAccount{
		ID:              req.ID,
		UserID:          req.UserID,
		AgentID:         req.AgentID,
		MetaAdAccountID: req.MetaAdAccountID,
		Name:            strings.TrimSpace(req.Name),
		CredRef:         req.CredRef,
		CurrencyCode:    strings.ToUpper(req.CurrencyCode),
		IsActive:        req.IsActive == nil || *req.IsActive,
	}
	if acc.CurrencyCode == "" {
		acc.CurrencyCode = "EUR"
	}
	if err := a.store.CreateAdAccount(r.Context(), acc); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) handleListAdAccounts(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	accounts, err := a.store.ListAdAccounts(r.Context(), p.ScopeUserID())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	sort.SliceStable(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	writeJSON(w, http.StatusOK, accounts)
}

func (a *API) handleGetAdAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["ad_account_id"]
	acc, err := a.store.GetAdAccount(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !p.CanAccess(acc.UserID) {
		a.writeError(w, r, fmt.Errorf("ad account %s: access denied: %w", id, store.ErrForbidden))
		return
	}
	writeJSON(w, http.StatusOK, acc)
}
