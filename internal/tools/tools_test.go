package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/deskhand/deskhand/internal/conversation"
)

func echoSpec(name string) *Spec {
	return &Spec{
		Name:        name,
		Description: "echoes its input",
		Params: []Param{
			{Name: "text", Type: TypeString, Required: true, Description: "text to echo"},
		},
		Handler: func(ctx context.Context, args Args, conv *conversation.Conversation) (string, error) {
			return args.String("text"), nil
		},
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoSpec("echo")); err != nil {
		t.Fatalf("first Register error: %v", err)
	}

	err := r.Register(echoSpec("echo"))
	var dup *ErrDuplicateTool
	if !errors.As(err, &dup) {
		t.Fatalf("second Register = %v, want ErrDuplicateTool", err)
	}
	if dup.ToolName != "echo" {
		t.Errorf("ToolName = %q, want echo", dup.ToolName)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	r.Register(echoSpec("echo"))

	spec, err := r.Resolve("echo")
	if err != nil {
		t.Fatalf("Resolve(echo) error: %v", err)
	}
	if spec.Name != "echo" {
		t.Errorf("spec.Name = %q", spec.Name)
	}

	_, err = r.Resolve("nope")
	var unknown *ErrUnknownTool
	if !errors.As(err, &unknown) {
		t.Errorf("Resolve(nope) = %v, want ErrUnknownTool", err)
	}
}

func TestRegistry_DescribeOrderIsStable(t *testing.T) {
	r := NewRegistry()
	names := []string{"zulu", "alpha", "mike", "bravo"}
	for _, n := range names {
		r.Register(echoSpec(n))
	}

	for round := 0; round < 3; round++ {
		catalog := r.Describe()
		if len(catalog) != len(names) {
			t.Fatalf("catalog size = %d, want %d", len(catalog), len(names))
		}
		for i, entry := range catalog {
			fn := entry["function"].(map[string]any)
			if fn["name"] != names[i] {
				t.Errorf("round %d: catalog[%d] = %v, want %s", round, i, fn["name"], names[i])
			}
		}
	}
}

func TestDescribe_Schema(t *testing.T) {
	r := NewRegistry()
	r.Register(&Spec{
		Name: "reply",
		Params: []Param{
			{Name: "body", Type: TypeString, Required: true},
			{Name: "state", Type: TypeEnum, Enum: []string{"closed", "wait_for_reply"}},
			{Name: "urgency", Type: TypeInt},
		},
	})

	fn := r.Describe()[0]["function"].(map[string]any)
	schema := fn["parameters"].(map[string]any)
	props := schema["properties"].(map[string]any)

	if props["body"].(map[string]any)["type"] != "string" {
		t.Error("body should be string-typed")
	}
	if props["urgency"].(map[string]any)["type"] != "integer" {
		t.Error("urgency should be integer-typed")
	}
	enum := props["state"].(map[string]any)["enum"].([]string)
	if len(enum) != 2 {
		t.Errorf("state enum = %v", enum)
	}
	req := schema["required"].([]string)
	if len(req) != 1 || req[0] != "body" {
		t.Errorf("required = %v, want [body]", req)
	}
}

func TestDispatch_Success(t *testing.T) {
	r := NewRegistry()
	r.Register(echoSpec("echo"))
	conv := conversation.New("T-1", "sys")

	res := Dispatch(context.Background(), conversation.ToolCallRequest{
		ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hi"},
	}, r, conv)

	if !res.OK || res.Payload != "hi" || res.ErrorKind != ErrorNone {
		t.Errorf("Dispatch = %+v", res)
	}
	if res.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q", res.ToolCallID)
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	r := NewRegistry()
	r.Register(echoSpec("echo"))
	conv := conversation.New("T-1", "sys")

	res := Dispatch(context.Background(), conversation.ToolCallRequest{
		ID: "call_1", Name: "hallucinated_tool",
	}, r, conv)

	if res.OK || res.ErrorKind != ErrorUnknownTool {
		t.Errorf("Dispatch = %+v, want unknown_tool", res)
	}
}

func TestDispatch_InvalidArguments(t *testing.T) {
	spec := &Spec{
		Name: "lookup_logs",
		Params: []Param{
			{Name: "customer_id", Type: TypeString, Required: true},
			{Name: "regex", Type: TypeString, Required: true},
			{Name: "limit", Type: TypeInt},
		},
		Handler: func(ctx context.Context, args Args, conv *conversation.Conversation) (string, error) {
			return "ok", nil
		},
	}

	tests := []struct {
		name string
		args map[string]any
		want string // substring of the failure payload
	}{
		{"missing first required", map[string]any{"regex": ".*"}, `"customer_id"`},
		{"missing second required", map[string]any{"customer_id": "c1"}, `"regex"`},
		{"wrong type", map[string]any{"customer_id": 42.0, "regex": ".*"}, `"customer_id"`},
		{"non-integral int", map[string]any{"customer_id": "c1", "regex": ".*", "limit": 1.5}, `"limit"`},
	}

	r := NewRegistry()
	r.Register(spec)
	conv := conversation.New("T-1", "sys")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Dispatch(context.Background(), conversation.ToolCallRequest{
				ID: "c", Name: "lookup_logs", Arguments: tt.args,
			}, r, conv)
			if res.OK || res.ErrorKind != ErrorInvalidArguments {
				t.Fatalf("Dispatch = %+v, want invalid_arguments", res)
			}
			if !contains(res.Payload, tt.want) {
				t.Errorf("payload %q does not name %s", res.Payload, tt.want)
			}
		})
	}
}

func TestDispatch_FirstFailingParamIsDeterministic(t *testing.T) {
	spec := &Spec{
		Name: "multi",
		Params: []Param{
			{Name: "aaa", Type: TypeString, Required: true},
			{Name: "bbb", Type: TypeString, Required: true},
		},
		Handler: func(ctx context.Context, args Args, conv *conversation.Conversation) (string, error) {
			return "", nil
		},
	}
	r := NewRegistry()
	r.Register(spec)
	conv := conversation.New("T-1", "sys")

	// Both missing: declaration order decides which is reported.
	for i := 0; i < 10; i++ {
		res := Dispatch(context.Background(), conversation.ToolCallRequest{ID: "c", Name: "multi"}, r, conv)
		if !contains(res.Payload, `"aaa"`) {
			t.Fatalf("payload %q should name aaa (declaration order)", res.Payload)
		}
	}
}

func TestDispatch_HandlerError(t *testing.T) {
	r := NewRegistry()
	r.Register(&Spec{
		Name: "flaky",
		Handler: func(ctx context.Context, args Args, conv *conversation.Conversation) (string, error) {
			return "", fmt.Errorf("account store unavailable")
		},
	})
	conv := conversation.New("T-1", "sys")

	res := Dispatch(context.Background(), conversation.ToolCallRequest{ID: "c", Name: "flaky"}, r, conv)
	if res.OK || res.ErrorKind != ErrorHandlerFailure {
		t.Errorf("Dispatch = %+v, want handler_failure", res)
	}
	if !contains(res.Payload, "account store unavailable") {
		t.Errorf("payload %q should carry the handler error", res.Payload)
	}
}

func TestDispatch_HandlerPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(&Spec{
		Name: "crashy",
		Handler: func(ctx context.Context, args Args, conv *conversation.Conversation) (string, error) {
			panic("boom")
		},
	})
	conv := conversation.New("T-1", "sys")

	res := Dispatch(context.Background(), conversation.ToolCallRequest{ID: "c", Name: "crashy"}, r, conv)
	if res.OK || res.ErrorKind != ErrorHandlerFailure {
		t.Errorf("Dispatch = %+v, want handler_failure after panic", res)
	}
}

func TestDispatch_ExtraArgumentsDropped(t *testing.T) {
	r := NewRegistry()
	r.Register(echoSpec("echo"))
	conv := conversation.New("T-1", "sys")

	res := Dispatch(context.Background(), conversation.ToolCallRequest{
		ID: "c", Name: "echo",
		Arguments: map[string]any{"text": "hi", "confidence": 0.9},
	}, r, conv)
	if !res.OK {
		t.Errorf("extra args should not fail validation: %+v", res)
	}
}

func TestArgsAccessors(t *testing.T) {
	args := Args{"s": "str", "i": 7.0, "f": 1.5, "b": true}
	if args.String("s") != "str" {
		t.Error("String")
	}
	if args.Int("i") != 7 {
		t.Error("Int")
	}
	if args.Float("f") != 1.5 {
		t.Error("Float")
	}
	if !args.Bool("b") {
		t.Error("Bool")
	}
	if args.String("missing") != "" || args.Int("missing") != 0 {
		t.Error("missing keys should zero-value")
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
