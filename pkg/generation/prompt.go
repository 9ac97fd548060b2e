package generation

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/HatiCode/synapse/pkg/telemetry"
)

// Request is the structured input the controller hands to BuildPrompt.
type Request struct {
	Operation string
	Variant   string
	Metrics   telemetry.Snapshot
	Source    string // current implementation, optional
	Context   string // surrounding type declarations, optional
	Goal      string // optional; defaults to reducing p95 latency
}

var promptTemplate = template.Must(template.New("prompt").Parse(`You are a Go performance engineer.

Operation: {{.Operation}}
Current best variant: {{.Variant}}

Performance over the last {{.Metrics.Count}} calls:
- mean:         {{printf "%.2f" .Metrics.Mean}} ms
- p50:          {{printf "%.2f" .Metrics.P50}} ms
- p95:          {{printf "%.2f" .Metrics.P95}} ms
- p99:          {{printf "%.2f" .Metrics.P99}} ms
- min / max:    {{printf "%.2f" .Metrics.Min}} / {{printf "%.2f" .Metrics.Max}} ms
- success rate: {{printf "%.1f" .Metrics.SuccessRate}}%
{{if .Context}}
Surrounding declarations:
` + "```go" + `
{{.Context}}
` + "```" + `
{{end}}{{if .Source}}
Current implementation:
` + "```go" + `
{{.Source}}
` + "```" + `

Find the bottleneck in this implementation and rewrite it.
{{else}}
The implementation is not available. Write a faster implementation of the operation from its name and metrics.
{{end}}
Goal: {{.Goal}}

Focus on:
1. Avoiding repeated work (caching, precomputation)
2. Allocation and copying in hot paths
3. Concurrency where calls are independent
4. Algorithmic complexity of lookups and scans

Requirements:
- Keep the observable behavior of the operation unchanged.
- Only use the standard library.
- Return one complete Go file in a single ` + "```go" + ` block.
- The file must declare:

    func Variant(ctx context.Context, args []any) (any, error)

  Variant receives the operation arguments in order and returns its result.
  Honor ctx cancellation in loops.
`))

// BuildPrompt renders req into the text sent to the generation service.
func BuildPrompt(req Request) (string, error) {
	if req.Goal == "" {
		req.Goal = fmt.Sprintf("reduce the p95 latency of %s", req.Operation)
	}
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
