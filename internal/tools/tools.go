// Package tools defines the tools available to the assistant and the
// dispatcher that executes them.
//
// The dispatcher is the failure boundary for tool execution: unknown
// tools, malformed arguments, and collaborator failures (mail relay
// down, calendar unreachable) are all translated into textual results
// the model can react to conversationally. A tool failure never aborts
// an exchange.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Result is the normalized outcome of a tool execution. Text is what the
// model sees; Attachment, when set, is an opaque payload forwarded
// verbatim to the client response (the engine never interprets it).
type Result struct {
	Text       string
	Attachment any
}

// Handler executes one tool call. Returning an error signals failure;
// the dispatcher translates it into a fallback Result.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON schema object in OpenAI function-calling form.
	Parameters map[string]any
	Handler    Handler
}

// Registry holds available tools.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// Schemas returns all tool declarations in the OpenAI function-calling
// shape, sorted by name for a stable prompt.
func (r *Registry) Schemas() []map[string]any {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

// Dispatch executes the named tool with the given arguments and returns
// a Result in every case. Failures are absorbed here and rendered as
// text so the model can explain the problem to the user instead of the
// exchange aborting.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) Result {
	tool := r.tools[name]
	if tool == nil {
		r.logger.Warn("tool dispatch for unknown tool", "tool", name)
		return Result{Text: fmt.Sprintf("The tool %q is not available. Tell the user this capability is not configured.", name)}
	}

	if missing := missingRequired(tool.Parameters, args); len(missing) > 0 {
		r.logger.Warn("tool dispatch with missing arguments", "tool", name, "missing", missing)
		return Result{Text: fmt.Sprintf("The %s tool was called without required arguments %v. Ask the user for the missing details and try again.", name, missing)}
	}

	res, err := r.execute(ctx, tool, args)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", err)
		return Result{Text: fmt.Sprintf("The %s tool failed: %v. Apologize to the user and suggest an alternative way to proceed.", name, err)}
	}
	return res
}

// execute runs the handler, converting a panic into an error so a buggy
// tool never takes down the exchange.
func (r *Registry) execute(ctx context.Context, tool *Tool, args map[string]any) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return tool.Handler(ctx, args)
}

// missingRequired checks args against the schema's required list. The
// model produces loosely-typed JSON, so presence is all that is enforced
// here; handlers validate values.
func missingRequired(schema map[string]any, args map[string]any) []string {
	required, _ := schema["required"].([]string)
	if required == nil {
		// A schema decoded from JSON carries []any instead.
		if anyList, ok := schema["required"].([]any); ok {
			for _, v := range anyList {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
		}
	}

	var missing []string
	for _, key := range required {
		if _, ok := args[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// stringArg extracts a string argument, tolerating absence.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg extracts an integer argument. JSON numbers decode as float64.
func intArg(args map[string]any, key string, fallback int) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return fallback
}
