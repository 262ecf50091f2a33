package tools

import (
	"context"
	"fmt"

	"github.com/deskhand/deskhand/internal/conversation"
)

// ErrorKind classifies a failed dispatch. All kinds are recoverable:
// the result is fed back to the model as a tool turn so it can adjust.
type ErrorKind string

const (
	// ErrorNone marks a successful dispatch.
	ErrorNone ErrorKind = ""

	// ErrorUnknownTool means the requested name is not in the registry.
	ErrorUnknownTool ErrorKind = "unknown_tool"

	// ErrorInvalidArguments means a required parameter was missing or a
	// value had the wrong type.
	ErrorInvalidArguments ErrorKind = "invalid_arguments"

	// ErrorHandlerFailure means the handler itself failed (downstream
	// lookup unavailable, transport error, panic).
	ErrorHandlerFailure ErrorKind = "handler_failure"
)

// Result is the outcome of one dispatched tool call. It is converted
// into a tool turn immediately and stored nowhere else.
type Result struct {
	ToolCallID string
	OK         bool
	Payload    string
	ErrorKind  ErrorKind
}

// Dispatch validates a model-emitted tool call against the registry and
// runs the handler. It never returns an error and never panics: a
// malformed tool call must not abort the customer interaction, so every
// failure mode is folded into the Result.
func Dispatch(ctx context.Context, req conversation.ToolCallRequest, reg *Registry, conv *conversation.Conversation) Result {
	spec, err := reg.Resolve(req.Name)
	if err != nil {
		return Result{
			ToolCallID: req.ID,
			ErrorKind:  ErrorUnknownTool,
			Payload:    fmt.Sprintf("unknown tool %q; available tools: %v", req.Name, reg.Names()),
		}
	}

	args, verr := validateArgs(spec, req.Arguments)
	if verr != "" {
		return Result{
			ToolCallID: req.ID,
			ErrorKind:  ErrorInvalidArguments,
			Payload:    verr,
		}
	}

	payload, err := invoke(ctx, spec, args, conv)
	if err != nil {
		return Result{
			ToolCallID: req.ID,
			ErrorKind:  ErrorHandlerFailure,
			Payload:    fmt.Sprintf("%s failed: %v", req.Name, err),
		}
	}

	return Result{ToolCallID: req.ID, OK: true, Payload: payload}
}

// invoke runs the handler, converting a panic into an error. A panicking
// handler is a bug, but one ticket's bug must not take down the loop.
func invoke(ctx context.Context, spec *Spec, args Args, conv *conversation.Conversation) (payload string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return spec.Handler(ctx, args, conv)
}

// validateArgs checks raw arguments against the spec's parameter
// schema. Parameters are checked in declaration order so the first
// failing parameter is deterministic. Returns validated args and an
// empty string, or a description of the first failure.
func validateArgs(spec *Spec, raw map[string]any) (Args, string) {
	args := make(Args, len(raw))

	for _, p := range spec.Params {
		val, present := raw[p.Name]
		if !present {
			if p.Required {
				return nil, fmt.Sprintf("missing required parameter %q", p.Name)
			}
			continue
		}
		if msg := checkType(p, val); msg != "" {
			return nil, msg
		}
		args[p.Name] = val
	}

	// Undeclared extras are dropped rather than rejected: models pad
	// arguments often enough that strictness here just burns iterations.
	return args, ""
}

func checkType(p Param, val any) string {
	switch p.Type {
	case TypeString:
		if _, ok := val.(string); !ok {
			return fmt.Sprintf("parameter %q must be a string, got %T", p.Name, val)
		}
	case TypeInt:
		f, ok := val.(float64)
		if !ok {
			if _, isInt := val.(int); isInt {
				return ""
			}
			return fmt.Sprintf("parameter %q must be an integer, got %T", p.Name, val)
		}
		if f != float64(int64(f)) {
			return fmt.Sprintf("parameter %q must be an integer, got %v", p.Name, f)
		}
	case TypeFloat:
		switch val.(type) {
		case float64, int:
		default:
			return fmt.Sprintf("parameter %q must be a number, got %T", p.Name, val)
		}
	case TypeBool:
		if _, ok := val.(bool); !ok {
			return fmt.Sprintf("parameter %q must be a boolean, got %T", p.Name, val)
		}
	case TypeEnum:
		s, ok := val.(string)
		if !ok {
			return fmt.Sprintf("parameter %q must be a string, got %T", p.Name, val)
		}
		for _, allowed := range p.Enum {
			if s == allowed {
				return ""
			}
		}
		return fmt.Sprintf("parameter %q must be one of %v, got %q", p.Name, p.Enum, s)
	}
	return ""
}
