package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/opendialogue/internal/roster"
	"github.com/MrWong99/opendialogue/pkg/provider/llm"
	"github.com/MrWong99/opendialogue/pkg/types"
)

// SpeakerInferrer names the roster member that most plausibly said a line.
//
// Implementations never fail: any error is logged and reported as an empty
// name, which the parser treats as an unknown speaker.
type SpeakerInferrer interface {
	InferSpeaker(ctx context.Context, line string) string
}

// Example is a worked example shown to the model when inferring a speaker.
type Example struct {
	// Line is the unattributed input.
	Line string `yaml:"line" json:"line"`

	// Reason explains which persona traits give the speaker away.
	Reason string `yaml:"reason" json:"reason"`

	// Speaker is the expected answer.
	Speaker string `yaml:"speaker" json:"speaker"`
}

// InferrerOption is a functional option for configuring an [LLMInferrer].
type InferrerOption func(*LLMInferrer)

// WithWording sets the wording guide describing how each persona speaks.
func WithWording(w string) InferrerOption {
	return func(i *LLMInferrer) {
		i.wording = w
	}
}

// WithExamples sets worked examples included in every inference request.
func WithExamples(ex []Example) InferrerOption {
	return func(i *LLMInferrer) {
		i.examples = append([]Example(nil), ex...)
	}
}

// LLMInferrer implements [SpeakerInferrer] with a single completion call per
// line. There is no retry and no confidence threshold; the answer is taken
// as-is. It is safe for concurrent use.
type LLMInferrer struct {
	llm      llm.Provider
	roster   *roster.Roster
	wording  string
	examples []Example
}

// NewLLMInferrer returns an inferrer that asks provider to choose among the
// members of r.
func NewLLMInferrer(provider llm.Provider, r *roster.Roster, opts ...InferrerOption) *LLMInferrer {
	i := &LLMInferrer{llm: provider, roster: r}
	for _, o := range opts {
		o(i)
	}
	return i
}

// InferSpeaker implements [SpeakerInferrer].
func (i *LLMInferrer) InferSpeaker(ctx context.Context, line string) string {
	resp, err := i.llm.Complete(ctx, llm.CompletionRequest{Messages: i.messages(line)})
	if err != nil {
		slog.Warn("dialogue: speaker inference failed", "err", err)
		return ""
	}
	return resp.Content
}

// messages builds the inference request: persona settings, wording guide,
// instruction and examples as system messages, then the line as user input.
func (i *LLMInferrer) messages(line string) []types.Message {
	chars := make(map[string]string, i.roster.Len())
	for _, a := range i.roster.Members() {
		chars[a.Name] = a.Character
	}
	charJSON, _ := json.Marshal(chars)
	names := strings.Join(i.roster.Names(), "、")

	msgs := []types.Message{
		{Role: types.RoleSystem, Content: "各アシスタントの設定は次の通りです。" + string(charJSON)},
	}
	if i.wording != "" {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: "各アシスタントの言葉遣いは次の通りです。" + i.wording})
	}
	msgs = append(msgs, types.Message{
		Role: types.RoleSystem,
		Content: fmt.Sprintf("各アシスタントの個性と言葉遣いをよく理解したうえで、入力された文章を発言した可能性が最も高い人物を%sの中から一人選び、その名前だけを出力して下さい。", names),
	})
	if len(i.examples) > 0 {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: formatExamples(i.examples)})
	}
	return append(msgs, types.Message{Role: types.RoleUser, Content: line})
}

func formatExamples(ex []Example) string {
	var sb strings.Builder
	for _, e := range ex {
		fmt.Fprintf(&sb, "入力が「%s」の場合：\n", e.Line)
		if e.Reason != "" {
			fmt.Fprintf(&sb, "    %s", e.Reason)
		}
		fmt.Fprintf(&sb, "よって出力は「%s」。\n", e.Speaker)
	}
	return sb.String()
}

var _ SpeakerInferrer = (*LLMInferrer)(nil)
