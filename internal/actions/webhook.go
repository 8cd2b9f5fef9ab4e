package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nvela/flowd/pkg/schema"
)

const (
	webhookTimeout         = 10 * time.Second
	webhookMaxResponseBody = 1 * 1024 * 1024 // 1MB
)

// WebhookAction POSTs (or other method) a JSON payload to an external URL.
// Config: url (required), method (default POST), headers (map), payload
// (object; defaults to the raw trigger payload).
type WebhookAction struct{}

func NewWebhookAction() *WebhookAction { return &WebhookAction{} }

func (a *WebhookAction) Kind() schema.ActionKind { return schema.ActionWebhook }

func (a *WebhookAction) Validate(config map[string]any) error {
	rawURL := stringParam(config, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "webhook: missing required field 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "webhook: invalid url %q", rawURL)
	}
	return nil
}

func (a *WebhookAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Config); err != nil {
		return nil, err
	}

	rawURL := stringParam(input.Config, "url", "")
	method := strings.ToUpper(stringParam(input.Config, "method", http.MethodPost))

	body := mapParam(input.Config, "payload")
	if body == nil {
		body = input.Payload
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "webhook: marshal payload").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, strings.NewReader(string(data)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "webhook: build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range mapParam(input.Config, "headers") {
		req.Header.Set(k, Stringify(v))
	}

	// New client per call so per-action timeouts never leak into shared state.
	client := &http.Client{Timeout: webhookTimeout}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "webhook: %s %s failed", method, rawURL).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, webhookMaxResponseBody))

	out := map[string]any{
		"url":         rawURL,
		"method":      method,
		"status_code": resp.StatusCode,
		"duration_ms": durationMs,
	}
	if len(respBody) > 0 {
		out["response"] = truncate(string(respBody), 2048)
	}

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "webhook: %s returned %d", rawURL, resp.StatusCode).
			WithDetails(out)
	}
	return &ActionOutput{Data: out}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes total)", s[:n], len(s))
}
