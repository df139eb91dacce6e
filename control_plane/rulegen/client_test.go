package rulegen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/config"
	"github.com/itskum47/adpilot/control_plane/store"
)

func fakeModel(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[0].Content, "daily_budget") {
			t.Errorf("prompt missing vocabulary: %+v", req.Messages)
		}
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
		})
	}))
}

func TestGenerateReturnsValidatedDraft(t *testing.T) {
	content := `{"rule_name":"Pause pricey ad sets","filter_config":{"conditions":[{"field":"cost_per_action","operator":"between","value":60,"value2":100}],"logical_operator":"and"},"action":{"type":"pause"},"explanation":"range"}`
	srv := fakeModel(t, http.StatusOK, content)
	defer srv.Close()

	c := New(config.RuleGen{URL: srv.URL, APIKey: "sk-test"}, zerolog.Nop())
	d, err := c.Generate(context.Background(), "pause ad sets with CPA between $60 and $100")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if d.RuleName != "Pause pricey ad sets" || d.Action.Type != store.ActionPause {
		t.Errorf("draft = %+v", d)
	}
	if d.FilterConfig.LogicalOperator != "AND" {
		t.Errorf("logical operator not normalised: %q", d.FilterConfig.LogicalOperator)
	}
}

func TestGenerateRejectsInvalidOutput(t *testing.T) {
	for name, content := range map[string]string{
		"not json":         `sure! here is a rule`,
		"unknown operator": `{"rule_name":"x","filter_config":{"conditions":[{"field":"spend","operator":"roughly","value":1}]},"action":{"type":"PAUSE"}}`,
		"between no bound": `{"rule_name":"x","filter_config":{"conditions":[{"field":"spend","operator":"between","value":1}]},"action":{"type":"PAUSE"}}`,
		"bad action":       `{"rule_name":"x","filter_config":{"conditions":[{"field":"spend","operator":"equals","value":1}]},"action":{"type":"DELETE"}}`,
		"no name":          `{"filter_config":{"conditions":[{"field":"spend","operator":"equals","value":1}]},"action":{"type":"PAUSE"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := fakeModel(t, http.StatusOK, content)
			defer srv.Close()
			c := New(config.RuleGen{URL: srv.URL, APIKey: "sk-test"}, zerolog.Nop())
			if _, err := c.Generate(context.Background(), "anything"); !errors.Is(err, store.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestGenerateUpstreamError(t *testing.T) {
	srv := fakeModel(t, http.StatusTooManyRequests, "")
	defer srv.Close()

	c := New(config.RuleGen{URL: srv.URL, APIKey: "sk-test"}, zerolog.Nop())
	_, err := c.Generate(context.Background(), "anything")
	if !errors.Is(err, ErrUpstream) || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("err = %v", err)
	}
}

func TestGenerateDisabledWithoutKey(t *testing.T) {
	c := New(config.RuleGen{}, zerolog.Nop())
	if c.Enabled() {
		t.Fatal("enabled without key")
	}
	if _, err := c.Generate(context.Background(), "anything"); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v", err)
	}
}

func TestParseDraftStripsFences(t *testing.T) {
	d, err := ParseDraft("```json\n{\"rule_name\":\"r\",\"filter_config\":{\"conditions\":[{\"field\":\"status\",\"operator\":\"in\",\"value\":[\"ACTIVE\"]}]},\"action\":{\"type\":\"ACTIVATE\"}}\n```")
	if err != nil {
		t.Fatalf("ParseDraft: %v", err)
	}
	if d.Action.Type != store.ActionActivate {
		t.Errorf("action = %s", d.Action.Type)
	}
}
