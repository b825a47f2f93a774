package queuesvc

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/orchq/internal/queue"
)

// celFilter wraps a compiled CEL program evaluated against item definitions.
// When disabled, Eval always returns true.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("fingerprint", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("handler", cel.StringType),
		cel.Variable("stage_key", cel.StringType),
		cel.Variable("request_id", cel.StringType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("added_ms", cel.IntType),
		// Decoded JSON of the handler args, query and merged extra metadata.
		cel.Variable("args", cel.DynType),
		cel.Variable("query", cel.DynType),
		cel.Variable("extra", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return celFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

// Eval evaluates the expression against one definition. Evaluation errors
// count as a non-match.
func (f celFilter) Eval(fp string, status queue.Status, def queue.Definition) bool {
	if !f.enabled {
		return true
	}
	extra := def.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"fingerprint": fp,
		"status":      string(status),
		"handler":     def.Handler,
		"stage_key":   def.StageKey,
		"request_id":  def.RequestID,
		"priority":    def.Priority,
		"added_ms":    def.AddedToQueueMs,
		"args":        decodeJSON(def.HandlerArgs),
		"query":       decodeJSON(def.Query),
		"extra":       extra,
		"now_ms":      time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func decodeJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}
