// Package voicevox provides a TTS provider backed by the VOICEVOX web API
// hosted at tts.quest. Voices are VOICEVOX speaker numbers ("8", "13", ...).
package voicevox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/opendialogue/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	// DefaultBaseURL is the hosted VOICEVOX audio endpoint.
	DefaultBaseURL = "https://deprecatedapis.tts.quest/v2/voicevox/audio/"

	// DefaultSpeaker is used when a request carries no voice.
	DefaultSpeaker = "8"

	defaultSpeed     = 1.25
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "Mozilla/5.0 (compatible; opendialogue voice relay)"
	maxErrorBody     = 512
)

// Option is a functional option for configuring a VOICEVOX Provider.
type Option func(*Provider)

// WithBaseURL overrides the audio endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// WithHTTPClient replaces the HTTP client. The default client is traced with
// otelhttp and times out after 30 s.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithSpeed sets the default speaking rate. Defaults to 1.25.
func WithSpeed(s float64) Option {
	return func(p *Provider) {
		p.speed = s
	}
}

// WithPitch sets the pitch offset. Defaults to 0.
func WithPitch(v float64) Option {
	return func(p *Provider) {
		p.pitch = v
	}
}

// WithIntonationScale sets the intonation scale. Defaults to 1.
func WithIntonationScale(v float64) Option {
	return func(p *Provider) {
		p.intonation = v
	}
}

// Provider implements tts.Provider against the VOICEVOX web API.
// It is safe for concurrent use.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	speed      float64
	pitch      float64
	intonation float64
}

// New creates a VOICEVOX Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("voicevox: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		speed:      defaultSpeed,
		intonation: 1,
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := url.Parse(p.baseURL); err != nil {
		return nil, fmt.Errorf("voicevox: invalid base URL: %w", err)
	}
	return p, nil
}

// Synthesize implements tts.Provider. Instructions are ignored.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("voicevox: text must not be empty")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.requestURL(req), nil)
	if err != nil {
		return nil, fmt.Errorf("voicevox: create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", defaultUserAgent)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("voicevox: GET audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &tts.HTTPError{Provider: "voicevox", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("voicevox: read audio: %w", err)
	}
	if len(payload) == 0 {
		return nil, errors.New("voicevox: empty audio response")
	}
	return payload, nil
}

// requestURL builds the GET URL for req.
func (p *Provider) requestURL(req tts.Request) string {
	speaker := req.Voice
	if speaker == "" {
		speaker = DefaultSpeaker
	}
	speed := p.speed
	if req.Speed > 0 {
		speed = req.Speed
	}

	q := url.Values{}
	q.Set("key", p.apiKey)
	q.Set("speaker", speaker)
	q.Set("pitch", strconv.FormatFloat(p.pitch, 'f', -1, 64))
	q.Set("intonationScale", strconv.FormatFloat(p.intonation, 'f', -1, 64))
	q.Set("speed", strconv.FormatFloat(speed, 'f', -1, 64))
	q.Set("text", req.Text)
	return p.baseURL + "?" + q.Encode()
}
