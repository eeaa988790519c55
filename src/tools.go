package elmer

/*------------------------------------------------------------------
 *
 * Name:	tools
 *
 * Purpose:	Tool registry for the turn engine.  Each tool exposes a
 *		name, a JSON schema for the model, and an Invoke that
 *		returns a JSON string result.
 *
 * Description:	Tools never see the session store or the servers; they
 *		get a ToolContext naming the operator the model is
 *		acting for.  Identity always comes from the connection,
 *		not from whatever callsign the model put in the input.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
)

// ToolContext identifies the connection a tool call runs on behalf of.
type ToolContext struct {
	Callsign      string
	ConnectionKey string
}

type Tool interface {
	Name() string
	Definition() ToolDefinition
	Invoke(ctx context.Context, tc ToolContext, input json.RawMessage) string
}

// toolError encodes a failure the way every tool reports one.
func toolError(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	out, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error": "internal error"}`
	}
	return string(out)
}

// toolJSON encodes a tool result compactly.
func toolJSON(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return toolError("Failed to encode result: %v", err)
	}
	return string(out)
}

// toolJSONIndent encodes a tool result with two-space indentation, for
// tools whose output the model tends to quote verbatim.
func toolJSONIndent(v any) string {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("Failed to encode result: %v", err)
	}
	return string(out)
}

/*-------------------------------------------------------------------
 *
 * Name:	ToolRegistry
 *
 * Purpose:	Holds the tool set handed to the model, in a stable
 *		order, and dispatches tool_use blocks to them.
 *
 *---------------------------------------------------------------*/

type ToolRegistry struct {
	tools map[string]Tool
	order []string
	log   *log.Logger
}

func NewToolRegistry(logger *log.Logger) *ToolRegistry {
	if logger == nil {
		logger = log.Default()
	}

	return &ToolRegistry{
		tools: make(map[string]Tool),
		log:   logger.WithPrefix("tools"),
	}
}

// Register adds a tool.  Registering the same name twice replaces the
// earlier tool but keeps its position.
func (r *ToolRegistry) Register(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

func (r *ToolRegistry) Count() int {
	return len(r.order)
}

func (r *ToolRegistry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns the schema list sent with each model call.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Invoke runs one tool call and always returns a JSON string; a
// panicking tool becomes an {"error": ...} result rather than taking
// the whole turn down.
func (r *ToolRegistry) Invoke(ctx context.Context, tc ToolContext, name string, input json.RawMessage) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool panicked", "tool", name, "reason", rec)
			result = toolError("Tool %s failed: %v", name, rec)
		}
	}()

	tool, ok := r.tools[name]
	if !ok {
		return toolError("Unknown tool: %s", name)
	}

	r.log.Debug("tool call", "tool", name, "callsign", tc.Callsign)

	return tool.Invoke(ctx, tc, input)
}
