package provider

import (
	"context"
	"testing"

	"github.com/xbcsmith/xzatoma/pkg/models"
)

// fakeProvider is a function-override test double, matching the teacher's
// loopTestProvider pattern in internal/agent/loop_test.go.
type fakeProvider struct {
	completeFunc func(ctx context.Context, req *Request) (*Response, error)
}

func (f *fakeProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f.completeFunc(ctx, req)
}

func (f *fakeProvider) Name() string         { return "fake" }
func (f *fakeProvider) DefaultModel() string { return "fake-model" }

func TestResponse_HasToolCalls(t *testing.T) {
	withCalls := &Response{ToolCalls: []models.ToolCall{{ID: "c1"}}}
	without := &Response{Content: "hi"}

	if !withCalls.HasToolCalls() {
		t.Error("HasToolCalls() = false, want true")
	}
	if without.HasToolCalls() {
		t.Error("HasToolCalls() = true, want false")
	}
}

func TestFakeProvider_SatisfiesInterface(t *testing.T) {
	var p Provider = &fakeProvider{
		completeFunc: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{Content: "hello"}, nil
		},
	}

	resp, err := p.Complete(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want %q", resp.Content, "hello")
	}
}

func TestDecodeArguments(t *testing.T) {
	call := models.ToolCall{Arguments: []byte(`{"msg":"x"}`)}
	var args struct {
		Msg string `json:"msg"`
	}
	if err := DecodeArguments(call, &args); err != nil {
		t.Fatalf("DecodeArguments() error = %v", err)
	}
	if args.Msg != "x" {
		t.Errorf("Msg = %q, want %q", args.Msg, "x")
	}
}

func TestDecodeArguments_EmptyIsNoop(t *testing.T) {
	call := models.ToolCall{}
	var args map[string]string
	if err := DecodeArguments(call, &args); err != nil {
		t.Fatalf("DecodeArguments() error = %v", err)
	}
}
