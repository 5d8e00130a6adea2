package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/clinicrx/dictation/pkg/codec"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(transcribe.Config{SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3-medical", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_CustomModel(t *testing.T) {
	p, err := New("key", WithModel("nova-3"), WithLanguage("de-DE"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(transcribe.Config{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
}

func TestBuildURL_LanguageOverridenByCfg(t *testing.T) {
	// cfg.Language should take precedence over the provider-level default.
	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(transcribe.Config{Language: "fr-FR", SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [{
				"transcript": "Patient reports mild fever",
				"confidence": 0.95
			}]
		}
	}`)

	text, isFinal, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}
	if !isFinal {
		t.Error("expected isFinal=true")
	}
	assertEqual(t, "text", "Patient reports mild fever", text)
}

func TestParseDeepgramResponse_Partial(t *testing.T) {
	raw := []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Patient"}]}}`)

	text, isFinal, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if isFinal {
		t.Error("expected isFinal=false for partial result")
	}
	assertEqual(t, "text", "Patient", text)
}

func TestParseDeepgramResponse_Ignored(t *testing.T) {
	tests := map[string]string{
		"non-results":        `{"type":"Metadata","request_id":"abc"}`,
		"empty alternatives": `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`,
		"empty transcript":   `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
		"invalid json":       `{invalid`,
	}
	for name, raw := range tests {
		if _, _, ok := parseDeepgramResponse([]byte(raw)); ok {
			t.Errorf("%s: expected ok=false", name)
		}
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestCapabilities(t *testing.T) {
	p, _ := New("key")
	caps := p.Capabilities()
	if caps.Name != "deepgram" || caps.Transport != codec.Raw {
		t.Errorf("Capabilities() = %+v", caps)
	}
}

// ---- Streaming tests ----

func startDeepgramServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func result(text string, final bool) []byte {
	f := "false"
	if final {
		f = "true"
	}
	return []byte(`{"type":"Results","is_final":` + f + `,"channel":{"alternatives":[{"transcript":"` + text + `"}]}}`)
}

func TestConnect_StreamsAudioAndEvents(t *testing.T) {
	auth := make(chan string, 1)
	audio := make(chan []byte, 1)

	srv := startDeepgramServer(t, func(conn *websocket.Conn, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		typ, data, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			t.Errorf("expected binary audio, got %v %v", typ, err)
			return
		}
		audio <- data

		_ = conn.Write(ctx, websocket.MessageText, result("Patient", false))
		_ = conn.Write(ctx, websocket.MessageText, result("Patient reports", true))

		// Wait for CloseStream, then flush one last final.
		_, data, err = conn.Read(ctx)
		if err != nil || !strings.Contains(string(data), "CloseStream") {
			t.Errorf("expected CloseStream, got %q %v", data, err)
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, result("mild fever", true))
	})

	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := p.Connect(t.Context(), transcribe.Config{SampleRate: 16000})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.Send(t.Context(), codec.EncodedChunk{Transport: codec.Raw, Data: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	assertEqual(t, "authorization", "Token secret", <-auth)
	if got := <-audio; string(got) != "\x01\x02\x03\x04" {
		t.Errorf("audio = %v", got)
	}

	var got []transcribe.Event
	for len(got) < 2 {
		select {
		case ev := <-c.Events():
			got = append(got, ev)
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for events")
		}
	}

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	for ev := range c.Events() {
		got = append(got, ev)
	}
	<-done

	want := []transcribe.Event{
		{Seq: 0, Text: "Patient"},
		{Seq: 0, Text: "Patient reports", IsFinal: true},
		{Seq: 1, Text: "mild fever", IsFinal: true},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Seq != want[i].Seq || got[i].Text != want[i].Text || got[i].IsFinal != want[i].IsFinal {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if c.Err() != nil {
		t.Errorf("Err() = %v, want nil", c.Err())
	}
	if err := c.Send(t.Context(), codec.EncodedChunk{Transport: codec.Raw, Data: []byte{0, 0}}); !errors.Is(err, transcribe.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	p, _ := New("key", WithEndpoint(endpoint))
	if _, err := p.Connect(t.Context(), transcribe.Config{}); !errors.Is(err, transcribe.ErrConnect) {
		t.Fatalf("Connect error = %v, want ErrConnect", err)
	}
}

func TestReadLoop_AbnormalClose(t *testing.T) {
	srv := startDeepgramServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusPolicyViolation, "quota exceeded")
	})
	p, _ := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	c, err := p.Connect(t.Context(), transcribe.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	for range c.Events() {
	}
	if !errors.Is(c.Err(), transcribe.ErrTransport) {
		t.Errorf("Err() = %v, want ErrTransport", c.Err())
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
