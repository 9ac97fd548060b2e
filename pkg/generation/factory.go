package generation

import (
	"context"
	"encoding/json"
	"fmt"
)

// New creates a generator based on kind and a generic configuration map.
//
// Supported kinds:
//   - "genai": Gemini backend (config: apiKey, model, baseURL)
//   - "http":  generic HTTP backend (config: url, method, model, body,
//     responsePath, headers and templateVars as JSON objects)
//   - "none":  returns a nil Generator; the controller then never regenerates
//
// Returns error if kind is unknown or required fields are missing.
func New(ctx context.Context, kind string, config map[string]string) (Generator, error) {
	switch kind {
	case "genai":
		return newGenAI(ctx, config)
	case "http":
		return newHTTP(config)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown generator kind: %s (must be genai, http, or none)", kind)
	}
}

func newGenAI(ctx context.Context, config map[string]string) (Generator, error) {
	if config["apiKey"] == "" {
		return nil, fmt.Errorf("genai generator requires 'apiKey' config")
	}
	return NewGenAI(ctx, GenAIConfig{
		APIKey:  config["apiKey"],
		Model:   config["model"],
		BaseURL: config["baseURL"],
	})
}

func newHTTP(config map[string]string) (Generator, error) {
	url := config["url"]
	if url == "" {
		return nil, fmt.Errorf("http generator requires 'url' config")
	}

	var headers map[string]string
	if headersJSON := config["headers"]; headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}

	var templateVars map[string]string
	if varsJSON := config["templateVars"]; varsJSON != "" {
		if err := json.Unmarshal([]byte(varsJSON), &templateVars); err != nil {
			return nil, fmt.Errorf("invalid 'templateVars' JSON: %w", err)
		}
	}
	if key := config["apiKey"]; key != "" {
		if templateVars == nil {
			templateVars = map[string]string{}
		}
		if _, ok := templateVars["APIKey"]; !ok {
			templateVars["APIKey"] = key
		}
	}

	return &HTTP{
		URL:          url,
		Method:       config["method"],
		Model:        config["model"],
		Headers:      headers,
		Body:         config["body"],
		ResponsePath: config["responsePath"],
		TemplateVars: templateVars,
	}, nil
}
