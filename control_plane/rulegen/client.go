// Package rulegen turns a plain-language request into a draft ad-set rule
// using an OpenAI-compatible chat-completions endpoint. Drafts are validated
// like any operator-written rule and are never saved or executed here.
package rulegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/config"
	"github.com/itskum47/adpilot/control_plane/rules"
	"github.com/itskum47/adpilot/control_plane/store"
)

// ErrDisabled is returned when no API key is configured.
var ErrDisabled = errors.New("rule generation is not configured")

// ErrUpstream wraps failures talking to the model endpoint.
var ErrUpstream = errors.New("rule generation upstream error")

// Draft is a generated rule waiting for operator review.
type Draft struct {
	RuleName     string             `json:"rule_name"`
	Description  string             `json:"description,omitempty"`
	FilterConfig store.FilterConfig `json:"filter_config"`
	Action       store.RuleAction   `json:"action"`
	Explanation  string             `json:"explanation,omitempty"`
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
	logger     zerolog.Logger
}

func New(cfg config.RuleGen, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(cfg.URL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		model:      model,
		apiKey:     cfg.APIKey,
		logger:     logger.With().Str("component", "rulegen").Logger(),
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []message      `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate asks the model for a rule matching request and returns it only if
// it passes rules.Validate.
func (c *Client) Generate(ctx context.Context, request string) (*Draft, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, fmt.Errorf("natural_language is required: %w", store.ErrValidation)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt()},
			{Role: "user", Content: userPrompt(request)},
		},
		Temperature:    0.3,
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call model: %v: %w", err, ErrUpstream)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read model response: %v: %w", err, ErrUpstream)
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("decode model response: %v: %w", err, ErrUpstream)
	}
	if resp.StatusCode != http.StatusOK {
		detail := http.StatusText(resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			detail = parsed.Error.Message
		}
		return nil, fmt.Errorf("model returned %d: %s: %w", resp.StatusCode, detail, ErrUpstream)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("empty model response: %w", ErrUpstream)
	}

	draft, err := ParseDraft(parsed.Choices[0].Message.Content)
	if err != nil {
		c.logger.Warn().Err(err).Msg("model produced an invalid rule")
		return nil, err
	}
	c.logger.Info().Str("rule_name", draft.RuleName).Int("conditions", len(draft.FilterConfig.Conditions)).Dur("took", time.Since(start)).Msg("rule draft generated")
	return draft, nil
}

// ParseDraft decodes model output and applies the same validation as a
// hand-written rule.
func ParseDraft(content string) (*Draft, error) {
	content = strings.TrimSpace(content)
	// Some models wrap JSON in a fenced block despite json_object mode.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var d Draft
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return nil, fmt.Errorf("generated rule is not valid JSON: %v: %w", err, store.ErrValidation)
	}
	d.RuleName = strings.TrimSpace(d.RuleName)
	if d.RuleName == "" {
		return nil, fmt.Errorf("generated rule has no name: %w", store.ErrValidation)
	}
	if len(d.FilterConfig.Conditions) == 0 {
		return nil, fmt.Errorf("generated rule has no conditions: %w", store.ErrValidation)
	}
	d.Action.Type = strings.ToUpper(strings.TrimSpace(d.Action.Type))
	if d.Action.Type != store.ActionPause && d.Action.Type != store.ActionActivate {
		return nil, fmt.Errorf("generated rule has unknown action %q: %w", d.Action.Type, store.ErrValidation)
	}
	if err := rules.Validate(&d.FilterConfig); err != nil {
		return nil, fmt.Errorf("generated rule: %w", err)
	}
	return &d, nil
}

func systemPrompt() string {
	var b strings.Builder
	b.WriteString("You convert requests about Meta ad sets into filter rules.\n\n")
	b.WriteString("Attribute fields: " + strings.Join(rules.AttributeFields, ", ") + "\n")
	b.WriteString("Metric fields: " + strings.Join(rules.MetricFields, ", ") + "\n")
	b.WriteString("Operators: " + strings.Join(rules.Operators(), ", ") + "\n")
	b.WriteString("between takes value and value2 and is inclusive. in and not_in take an array value.\n")
	b.WriteString("Actions: PAUSE, ACTIVATE.\n")
	b.WriteString("Money is a plain number in the account currency (60 dollars is 60).\n\n")
	b.WriteString(`Reply with one JSON object only:
{"rule_name": string, "description": string, "filter_config": {"conditions": [{"field": string, "operator": string, "value": any, "value2": any}], "logical_operator": "AND" | "OR"}, "action": {"type": "PAUSE" | "ACTIVATE"}, "explanation": string}`)
	return b.String()
}

func userPrompt(request string) string {
	return fmt.Sprintf("Request: %q\n\nUse only the listed fields and operators. Use between for ranges. Return JSON only.", request)
}
