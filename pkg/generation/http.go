package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultBody is an OpenAI-compatible chat completion request.
const DefaultBody = `{"model":"{{.Model}}","temperature":0.3,"max_tokens":2000,"messages":[{"role":"user","content":"{{.Prompt}}"}]}`

// DefaultResponsePath selects the reply text of an OpenAI-compatible response.
const DefaultResponsePath = "choices.0.message.content"

var defaultBackoffs = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// HTTP is a generic generator for any JSON API.
//
// It supports:
//   - Template-based request body with variables: {{.Prompt}}, {{.Model}}
//     plus anything in TemplateVars. Values are JSON-escaped so they can be
//     placed inside string literals.
//   - Templated headers, e.g. "Authorization": "Bearer {{.APIKey}}"
//   - gjson extraction of the reply text
//   - Retries on 429 and 5xx with 2s, 4s, 8s backoff
//
// Example configuration for an OpenAI-compatible endpoint:
//
//	gen := &HTTP{
//	    URL:   "https://api.example.com/v1/chat/completions",
//	    Model: "gpt-4o-mini",
//	    Headers: map[string]string{
//	        "Authorization": "Bearer {{.APIKey}}",
//	    },
//	    TemplateVars: map[string]string{"APIKey": key},
//	}
type HTTP struct {
	// URL is the endpoint to call (required).
	URL string

	// Method defaults to POST.
	Method string

	// Model is exposed to templates as {{.Model}}.
	Model string

	// Headers are custom HTTP headers. Values may use template variables.
	Headers map[string]string

	// Body is the request body template. Defaults to DefaultBody.
	Body string

	// ResponsePath is the gjson path of the reply text. Defaults to
	// DefaultResponsePath.
	ResponsePath string

	// HTTPClient is optional; if nil a client with a 60s timeout is used.
	HTTPClient *http.Client

	// TemplateVars are custom variables available in Body and Headers.
	TemplateVars map[string]string

	// Backoffs between attempts; nil uses 2s, 4s, 8s.
	Backoffs []time.Duration
}

// Generate renders the request, calls the endpoint and extracts the reply.
func (h *HTTP) Generate(ctx context.Context, prompt string) (string, error) {
	if h.URL == "" {
		return "", wrap(errors.New("http generator: URL is required"))
	}

	data := map[string]any{
		"Prompt": jsonEscape(prompt),
		"Model":  jsonEscape(h.Model),
	}
	for k, v := range h.TemplateVars {
		data[k] = jsonEscape(v)
	}

	bodyTmpl := h.Body
	if bodyTmpl == "" {
		bodyTmpl = DefaultBody
	}
	body, err := renderTemplate(bodyTmpl, data)
	if err != nil {
		return "", wrap(fmt.Errorf("render body template: %w", err))
	}

	headers := map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
	}
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, data)
		if err != nil {
			return "", wrap(fmt.Errorf("render header %s: %w", key, err))
		}
		headers[key] = rendered
	}

	respBody, err := h.doWithRetry(ctx, []byte(body), headers)
	if err != nil {
		return "", wrap(err)
	}

	path := h.ResponsePath
	if path == "" {
		path = DefaultResponsePath
	}
	result := gjson.GetBytes(respBody, path)
	if !result.Exists() {
		return "", wrap(fmt.Errorf("response path %q not found in response", path))
	}
	return result.String(), nil
}

func (h *HTTP) doWithRetry(ctx context.Context, body []byte, headers map[string]string) ([]byte, error) {
	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: DefaultTimeout}
	}
	method := h.Method
	if method == "" {
		method = http.MethodPost
	}
	backoffs := h.Backoffs
	if backoffs == nil {
		backoffs = defaultBackoffs
	}

	var lastErr error
	for attempt := 0; attempt <= len(backoffs); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffs[attempt-1]):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, h.URL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := cli.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(respBody, 1024))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(respBody, 1024))
		}
		return respBody, nil
	}
	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

// renderTemplate renders a text template with the given data.
func renderTemplate(tmplStr string, data map[string]any) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// jsonEscape returns s encoded for use inside a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
