// Package tools defines the tool registry and the dispatch boundary
// between model-emitted tool calls and their handlers.
package tools

import (
	"context"
	"fmt"

	"github.com/deskhand/deskhand/internal/conversation"
)

// ParamType enumerates the argument types a tool schema may declare.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeFloat  ParamType = "float"
	TypeBool   ParamType = "bool"
	TypeEnum   ParamType = "enum"
)

// Param declares one tool parameter.
type Param struct {
	Name        string
	Type        ParamType
	Required    bool
	Description string
	// Enum lists the allowed values when Type is TypeEnum.
	Enum []string
}

// Handler executes a validated tool call. It receives the conversation
// for read access to ticket context (customer identity, prior status).
// A returned error becomes a handler-failure result; it never
// propagates past the dispatcher.
type Handler func(ctx context.Context, args Args, conv *conversation.Conversation) (string, error)

// Spec describes one registered tool. Immutable after registration.
type Spec struct {
	Name        string
	Description string
	Params      []Param
	Handler     Handler
}

// Args holds arguments that passed schema validation.
type Args map[string]any

// String returns the named string argument, or "" when absent.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Int returns the named integer argument, or 0 when absent.
// JSON numbers arrive as float64 and are narrowed here.
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Float returns the named float argument, or 0 when absent.
func (a Args) Float(key string) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Bool returns the named bool argument, or false when absent.
func (a Args) Bool(key string) bool {
	b, _ := a[key].(bool)
	return b
}

// ErrDuplicateTool reports a second registration under the same name.
type ErrDuplicateTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrDuplicateTool) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.ToolName)
}

// ErrUnknownTool reports a lookup for a name that was never registered.
type ErrUnknownTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.ToolName)
}

// Registry holds the available tools. Registration happens once at
// startup; afterwards the registry is read-only and safe for
// concurrent use without locking.
type Registry struct {
	byName map[string]*Spec
	order  []*Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Spec)}
}

// Register adds a tool. Fails with [ErrDuplicateTool] when the name is
// already taken.
func (r *Registry) Register(spec *Spec) error {
	if _, exists := r.byName[spec.Name]; exists {
		return &ErrDuplicateTool{ToolName: spec.Name}
	}
	r.byName[spec.Name] = spec
	r.order = append(r.order, spec)
	return nil
}

// Resolve returns the spec for name, or [ErrUnknownTool].
func (r *Registry) Resolve(name string) (*Spec, error) {
	spec, ok := r.byName[name]
	if !ok {
		return nil, &ErrUnknownTool{ToolName: name}
	}
	return spec, nil
}

// Describe returns the model-facing tool catalog in registration
// order. Order is stable across calls — some models are order-sensitive
// when breaking ties between tools.
func (r *Registry) Describe() []map[string]any {
	catalog := make([]map[string]any, 0, len(r.order))
	for _, spec := range r.order {
		catalog = append(catalog, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        spec.Name,
				"description": spec.Description,
				"parameters":  schemaFor(spec),
			},
		})
	}
	return catalog
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.order))
	for _, spec := range r.order {
		names = append(names, spec.Name)
	}
	return names
}

// schemaFor builds the JSON-schema parameter object for one tool.
func schemaFor(spec *Spec) map[string]any {
	props := make(map[string]any, len(spec.Params))
	var required []string
	for _, p := range spec.Params {
		prop := map[string]any{"description": p.Description}
		switch p.Type {
		case TypeInt:
			prop["type"] = "integer"
		case TypeFloat:
			prop["type"] = "number"
		case TypeBool:
			prop["type"] = "boolean"
		case TypeEnum:
			prop["type"] = "string"
			prop["enum"] = p.Enum
		default:
			prop["type"] = "string"
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
