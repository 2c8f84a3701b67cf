package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/opendialogue/internal/observe"
	"github.com/MrWong99/opendialogue/pkg/provider/tts"
	ttsmock "github.com/MrWong99/opendialogue/pkg/provider/tts/mock"
)

var wavHeader = []byte("RIFF\x24\x00\x00\x00WAVEfmt ")

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func get(t *testing.T, h http.Handler, query url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/voice?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestRelay_Success(t *testing.T) {
	t.Parallel()
	prov := &ttsmock.Provider{Payloads: map[string][]byte{"こんにちは": wavHeader}}
	h := New(prov, WithMetrics(testMetrics(t)))

	rec := get(t, h, url.Values{"text": {"こんにちは"}, "speaker": {"13"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	want := map[string]string{
		"Content-Type":                "audio/wave",
		"Content-Length":              "16",
		"Cache-Control":               "public, max-age=3600",
		"Access-Control-Allow-Origin": "*",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if rec.Body.String() != string(wavHeader) {
		t.Errorf("body = %q", rec.Body.String())
	}
	if calls := prov.Calls(); len(calls) != 1 || calls[0].Req.Voice != "13" {
		t.Errorf("calls = %+v, want one request for voice 13", calls)
	}
}

func TestRelay_DefaultSpeaker(t *testing.T) {
	t.Parallel()
	prov := &ttsmock.Provider{}
	get(t, New(prov, WithMetrics(testMetrics(t))), url.Values{"text": {"a"}})
	if calls := prov.Calls(); len(calls) != 1 || calls[0].Req.Voice != DefaultSpeaker {
		t.Errorf("calls = %+v, want voice %s", calls, DefaultSpeaker)
	}
}

func TestRelay_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		query      url.Values
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "missing text", query: url.Values{"speaker": {"8"}}, wantStatus: 400, wantError: "Text parameter is required"},
		{name: "upstream status", query: url.Values{"text": {"x"}}, err: &tts.HTTPError{Provider: "voicevox", StatusCode: 503}, wantStatus: 503, wantError: "Failed to generate voice"},
		{name: "wrapped upstream status", query: url.Values{"text": {"x"}}, err: errors.Join(errors.New("ctx"), &tts.HTTPError{StatusCode: 403}), wantStatus: 403, wantError: "Failed to generate voice"},
		{name: "transport failure", query: url.Values{"text": {"x"}}, err: errors.New("dial tcp: refused"), wantStatus: 500, wantError: "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := New(&ttsmock.Provider{SynthesizeErr: tt.err}, WithMetrics(testMetrics(t)))
			rec := get(t, h, tt.query)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			if got := errorBody(t, rec); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
		})
	}
}

func TestRelay_Methods(t *testing.T) {
	t.Parallel()
	h := New(&ttsmock.Provider{}, WithMetrics(testMetrics(t)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/voice", nil))
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("OPTIONS = %d %v", rec.Code, rec.Header())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/voice?text=x", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/api/voice?text=abc", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 || rec.Header().Get("Content-Length") != "3" {
		t.Errorf("HEAD = %d, body %d bytes, length %q", rec.Code, rec.Body.Len(), rec.Header().Get("Content-Length"))
	}
}

func TestRelay_RateLimit(t *testing.T) {
	t.Parallel()
	h := New(&ttsmock.Provider{}, WithMetrics(testMetrics(t)), WithRateLimit(0.5, 2))
	base := time.Unix(1_700_000_000, 0)
	now := base
	h.limiter.now = func() time.Time { return now }

	q := url.Values{"text": {"x"}}
	for i := range 2 {
		if rec := get(t, h, q); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200 within burst", i, rec.Code)
		}
	}
	rec := get(t, h, q)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/api/voice?text=x", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	other := httptest.NewRecorder()
	h.ServeHTTP(other, req)
	if other.Code != http.StatusOK {
		t.Errorf("other client = %d, want 200", other.Code)
	}

	now = base.Add(2 * time.Second)
	if rec := get(t, h, q); rec.Code != http.StatusOK {
		t.Errorf("after refill = %d, want 200", rec.Code)
	}
}

func TestContentType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{name: "wav", in: wavHeader, want: "audio/wave"},
		{name: "mp3 with id3", in: []byte("ID3\x03\x00\x00\x00\x00\x00\x00"), want: "audio/mpeg"},
		{name: "unknown binary", in: []byte{0x00, 0x01, 0x02, 0xff}, want: "audio/mpeg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := contentType(tt.in); got != tt.want {
				t.Errorf("contentType = %q, want %q", got, tt.want)
			}
		})
	}
}
