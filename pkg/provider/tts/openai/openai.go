// Package openai provides a TTS provider backed by the OpenAI speech API or an
// Azure OpenAI speech deployment such as gpt-4o-mini-tts.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/opendialogue/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	// DefaultVoice is used when a request carries no voice.
	DefaultVoice = "alloy"

	// DefaultInstructions is the speaking-style hint sent when a request
	// carries none.
	DefaultInstructions = "日本人らしい発声を心がけてください。"
)

// Provider implements tts.Provider using the OpenAI audio speech endpoint.
type Provider struct {
	client       oai.Client
	model        string
	instructions string
}

type config struct {
	baseURL         string
	azureAPIVersion string
	instructions    string
	timeout         time.Duration
	maxRetries      int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. With [WithAzure] it
// is the resource endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithAzure targets an Azure OpenAI deployment named after the model.
func WithAzure(apiVersion string) Option {
	return func(c *config) {
		c.azureAPIVersion = apiVersion
	}
}

// WithInstructions replaces [DefaultInstructions].
func WithInstructions(s string) Option {
	return func(c *config) {
		c.instructions = s
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries overrides the SDK's retry count.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI speech Provider.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai tts: model must not be empty")
	}

	cfg := &config{maxRetries: -1, instructions: DefaultInstructions}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.azureAPIVersion != "" {
		if cfg.baseURL == "" {
			return nil, errors.New("openai tts: azure requires a base URL")
		}
		reqOpts = append(reqOpts,
			option.WithBaseURL(fmt.Sprintf("%s/openai/deployments/%s/", strings.TrimSuffix(cfg.baseURL, "/"), model)),
			option.WithQuery("api-version", cfg.azureAPIVersion),
			option.WithHeader("api-key", apiKey),
		)
	} else if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		instructions: cfg.instructions,
	}, nil
}

// Synthesize implements tts.Provider. The response is always WAV.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("openai tts: text must not be empty")
	}

	resp, err := p.client.Audio.Speech.New(ctx, p.buildParams(req))
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai tts: speech: %w", &tts.HTTPError{Provider: "openai", StatusCode: apiErr.StatusCode, Body: apiErr.Message})
		}
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}
	return payload, nil
}

// buildParams converts req into SDK params.
func (p *Provider) buildParams(req tts.Request) oai.AudioSpeechNewParams {
	voice := req.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	instructions := req.Instructions
	if instructions == "" {
		instructions = p.instructions
	}

	params := oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if instructions != "" {
		params.Instructions = oai.String(instructions)
	}
	if req.Speed > 0 {
		params.Speed = oai.Float(req.Speed)
	}
	return params
}
