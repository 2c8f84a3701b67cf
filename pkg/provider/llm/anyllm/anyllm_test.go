package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/opendialogue/pkg/provider/llm"
	"github.com/MrWong99/opendialogue/pkg/types"
)

// TestBuildParams_KeepsPersonaNames passes roster tags through on backends
// that accept interleaved system messages.
func TestBuildParams_KeepsPersonaNames(t *testing.T) {
	t.Parallel()

	p := &Provider{name: "openai", model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{Messages: []types.Message{
		{Role: types.RoleSystem, Content: "後藤の設定", Name: "0"},
		{Role: types.RoleSystem, Content: "会話のルール"},
		{Role: types.RoleAssistant, Content: "やあ", Name: "2"},
	}})

	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(params.Messages))
	}
	if got := params.Messages[0].Name; got != "0" {
		t.Errorf("persona name = %q, want 0", got)
	}
	last := params.Messages[2]
	if last.Role != "assistant" || last.ContentString() != "やあ" || last.Name != "2" {
		t.Errorf("assistant message = %+v", last)
	}
}

// TestBuildParams_MergesSystemForSingleSystemBackends folds personas and the
// system prompt into one leading system message.
func TestBuildParams_MergesSystemForSingleSystemBackends(t *testing.T) {
	t.Parallel()

	p := &Provider{name: "anthropic", model: "claude"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "後藤の設定", Name: "0"},
			{Role: types.RoleUser, Content: "こんにちは"},
			{Role: types.RoleSystem, Content: "----- Reflecting Started -----"},
			{Role: types.RoleAssistant, Content: "やあ", Name: "1"},
		},
	})

	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(params.Messages), params.Messages)
	}
	want := "be brief\n\n[0] 後藤の設定\n\n----- Reflecting Started -----"
	if got := params.Messages[0].ContentString(); got != want {
		t.Errorf("merged system = %q, want %q", got, want)
	}
	if params.Messages[1].Role != "user" || params.Messages[2].Role != "assistant" {
		t.Errorf("history order changed: %+v", params.Messages[1:])
	}
}

// TestBuildParams prepends the system prompt and copies sampling settings.
func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{name: "openai", model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages:     []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Temperature:  0.7,
		MaxTokens:    256,
	})

	if params.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature not copied: %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens not copied: %v", params.MaxTokens)
	}
}

// TestBuildParams_ZeroSettingsOmitted leaves provider defaults alone.
func TestBuildParams_ZeroSettingsOmitted(t *testing.T) {
	t.Parallel()

	params := (&Provider{model: "m"}).buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("zero settings should not be sent")
	}
	if len(params.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(params.Messages))
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider string
		model    string
	}{
		{name: "empty provider", provider: "", model: "gpt-4o"},
		{name: "empty model", provider: "openai", model: ""},
		{name: "unsupported provider", provider: "fakecloud", model: "some-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.provider, tt.model, anyllmlib.WithAPIKey("dummy")); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// TestNew_Backends checks that the common backends construct with a key.
func TestNew_Backends(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"openai", "anthropic", "ollama", "llamafile"} {
		p, err := New(name, "model-x", anyllmlib.WithAPIKey("sk-test"))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if p.model != "model-x" {
			t.Errorf("%s: expected model model-x, got %q", name, p.model)
		}
	}
}
