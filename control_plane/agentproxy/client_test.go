package agentproxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/config"
	"github.com/itskum47/adpilot/control_plane/store"
)

type fakeAgent struct {
	mu       sync.Mutex
	statuses map[string]string
	fail     bool
}

func (f *fakeAgent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /meta/campaigns/hierarchical", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{"campaigns": []any{
				map[string]any{"id": "c1", "ad_sets": []any{
					map[string]any{"id": "as1", "ads": []any{
						map[string]any{"id": "ad1", "status": "ACTIVE"},
						map[string]any{"id": "ad2", "status": "PAUSED", "effective_status": "PAUSED"},
					}},
				}},
			}},
		})
	})
	mux.HandleFunc("GET /meta/campaigns/{id}/adsets", func(w http.ResponseWriter, r *http.Request) {
		if f.fail {
			http.Error(w, `{"message":"meta down"}`, http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []any{
			map[string]any{"id": "as1", "name": "A", "daily_budget": "9000"},
		}})
	})
	mux.HandleFunc("PUT /meta/adsets/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Status string }
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.statuses[r.PathValue("id")] = body.Status
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	})
	mux.HandleFunc("PUT /meta/ads/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": "permission denied"})
	})
	return mux
}

func newTestClient(threshold int) *Client {
	return New(config.Agent{
		ProxyTimeout:     2 * time.Second,
		RateRPS:          1000,
		RateBurst:        1000,
		BreakerThreshold: threshold,
		BreakerCooldown:  time.Minute,
	}, zerolog.Nop())
}

func TestClientCalls(t *testing.T) {
	fa := &fakeAgent{statuses: map[string]string{}}
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()

	c := newTestClient(5)
	agent := &store.Agent{ID: "agent-1", BaseURL: srv.URL}
	ctx := context.Background()

	sets, err := c.ListAdSets(ctx, agent, "c1")
	if err != nil || len(sets) != 1 || sets[0]["id"] != "as1" {
		t.Fatalf("ListAdSets: %v %v", sets, err)
	}

	campaigns, err := c.Hierarchy(ctx, agent)
	if err != nil {
		t.Fatalf("Hierarchy: %v", err)
	}
	ads := campaigns[0].AdSets[0].Ads
	if !ads[0].IsActive() || ads[1].IsActive() {
		t.Fatalf("unexpected active flags: %+v", ads)
	}

	if err := c.SetAdSetStatus(ctx, agent, "as1", StatusPaused); err != nil {
		t.Fatalf("SetAdSetStatus: %v", err)
	}
	if fa.statuses["as1"] != StatusPaused {
		t.Fatalf("agent saw status %q", fa.statuses["as1"])
	}

	if err := c.SetAdStatus(ctx, agent, "ad1", StatusPaused); err == nil {
		t.Fatal("expected error for non-success envelope")
	}
}

func TestClientDefaultBaseURL(t *testing.T) {
	fa := &fakeAgent{statuses: map[string]string{}}
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()

	c := New(config.Agent{BaseURL: srv.URL + "/", BreakerThreshold: 5, RateBurst: 10}, zerolog.Nop())
	if _, err := c.ListAdSets(context.Background(), &store.Agent{ID: "agent-2"}, "c1"); err != nil {
		t.Fatalf("fallback base url: %v", err)
	}
}

func TestClientErrorsAndBreaker(t *testing.T) {
	fa := &fakeAgent{statuses: map[string]string{}, fail: true}
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()

	c := newTestClient(2)
	agent := &store.Agent{ID: "agent-3", BaseURL: srv.URL}

	for i := 0; i < 2; i++ {
		_, err := c.ListAdSets(context.Background(), agent, "c1")
		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
			t.Fatalf("call %d: expected StatusError 502, got %v", i, err)
		}
		if !IsUnreachable(err) {
			t.Fatalf("status error should be unreachable: %v", err)
		}
	}

	_, err := c.ListAdSets(context.Background(), agent, "c1")
	if !IsUnreachable(err) {
		t.Fatalf("expected unreachable from open circuit, got %v", err)
	}
	if c.BreakerStates()["agent-3"] != "open" {
		t.Fatalf("breaker states: %v", c.BreakerStates())
	}
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(5)
	_, err := c.Hierarchy(context.Background(), &store.Agent{ID: "agent-4", BaseURL: url})
	if !errors.Is(err, store.ErrAgentUnreachable) {
		t.Fatalf("expected ErrAgentUnreachable, got %v", err)
	}
}
