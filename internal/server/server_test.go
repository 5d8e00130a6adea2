package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/go-cmp/cmp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/clinicrx/dictation/internal/health"
	"github.com/clinicrx/dictation/internal/observe"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
	"github.com/clinicrx/dictation/pkg/provider/transcribe/mock"
)

const msgTimeout = 3 * time.Second

func testSettings() Settings {
	return Settings{
		Transcribe:     transcribe.Config{ResponseModality: transcribe.ModalityAudio, OutputTranscription: true},
		SampleRate:     16000,
		FrameSize:      4,
		QueueCapacity:  8,
		DrainTimeout:   time.Second,
		ConnectTimeout: time.Second,
	}
}

func newTestServer(t *testing.T, p transcribe.Provider, opts ...Option) (*Server, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	opts = append([]Option{WithMetrics(m), WithMetricsHandler(http.NotFoundHandler())}, opts...)
	return New(p, testSettings(), opts...), reader
}

func startServer(t *testing.T, p transcribe.Provider, opts ...Option) *httptest.Server {
	t.Helper()
	s, _ := newTestServer(t, p, opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

// sum adds up every data point of the named counter.
func sum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	return dialURL(t, srv.URL)
}

func dialURL(t *testing.T, base string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), msgTimeout)
	defer cancel()
	url := "ws" + strings.TrimPrefix(base, "http") + "/v1/dictation"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	// Every connection greets with its idle status.
	if got := next(t, conn, msgStatus); got.State != "idle" {
		t.Fatalf("greeting state = %q, want idle", got.State)
	}
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), msgTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendText(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), msgTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendPCM16(t *testing.T, conn *websocket.Conn, samples int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), msgTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, samples*2)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
}

// next reads messages until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) serverMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), msgTimeout)
	defer cancel()
	for {
		var msg serverMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

// nextStatus reads status messages until one with state arrives.
func nextStatus(t *testing.T, conn *websocket.Conn, state string) serverMessage {
	t.Helper()
	for {
		msg := next(t, conn, msgStatus)
		if msg.State == state {
			return msg
		}
		if msg.State == "error" && state != "error" {
			t.Fatalf("session failed waiting for %q: cause=%s message=%s", state, msg.Cause, msg.Message)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(msgTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startMsg(noteLength int) clientMessage {
	return clientMessage{Type: msgStart, SampleRate: 16000, Encoding: encodingS16LE, NoteLength: noteLength}
}

func TestDictation_RoundTrip(t *testing.T) {
	t.Parallel()
	mc := mock.NewConn()
	p := &mock.Provider{Conn: mc}
	conn := dial(t, startServer(t, p))

	sendJSON(t, conn, startMsg(0))
	starting := nextStatus(t, conn, "starting")
	if starting.SessionID == "" {
		t.Error("starting status carries no session id")
	}
	listening := nextStatus(t, conn, "listening")
	if listening.SessionID != starting.SessionID {
		t.Errorf("session id changed: %q → %q", starting.SessionID, listening.SessionID)
	}

	sendPCM16(t, conn, 8)
	waitFor(t, "two chunks sent", func() bool { return len(mc.SentSeqs()) == 2 })
	if diff := cmp.Diff([]uint64{0, 1}, mc.SentSeqs()); diff != "" {
		t.Errorf("sent seqs mismatch (-want +got):\n%s", diff)
	}

	mc.Emit(transcribe.Event{Seq: 0, Text: "Patient reports"})
	if got := next(t, conn, msgPreview); got.Text == nil || *got.Text != "Patient reports" {
		t.Errorf("preview = %v, want %q", got.Text, "Patient reports")
	}
	mc.Emit(transcribe.Event{Seq: 0, Text: "Patient reports mild fever", IsFinal: true})
	if got := next(t, conn, msgTranscript); *got.Text != "Patient reports mild fever" {
		t.Errorf("transcript = %q", *got.Text)
	}

	sendJSON(t, conn, clientMessage{Type: msgStop})
	nextStatus(t, conn, "stopping")
	idle := nextStatus(t, conn, "idle")
	if idle.Cause != "" {
		t.Errorf("idle carries cause %q", idle.Cause)
	}
	if !mc.Closed() {
		t.Error("provider connection not closed after stop")
	}
}

func TestDictation_SeparatorFollowsNoteLength(t *testing.T) {
	t.Parallel()
	mc := mock.NewConn()
	conn := dial(t, startServer(t, &mock.Provider{Conn: mc}))

	sendJSON(t, conn, startMsg(len("Allergies: none.")))
	nextStatus(t, conn, "listening")

	mc.Emit(transcribe.Event{Seq: 0, Text: "Patient reports", IsFinal: true})
	if got := *next(t, conn, msgTranscript).Text; got != " Patient reports" {
		t.Errorf("transcript = %q, want leading separator", got)
	}
	mc.Emit(transcribe.Event{Seq: 1, Text: "mild fever", IsFinal: true})
	if got := *next(t, conn, msgTranscript).Text; got != " mild fever" {
		t.Errorf("transcript = %q, want %q", got, " mild fever")
	}
}

func TestDictation_StopWhileIdleIsInvalidState(t *testing.T) {
	t.Parallel()
	conn := dial(t, startServer(t, &mock.Provider{}))

	sendJSON(t, conn, clientMessage{Type: msgStop})
	if got := next(t, conn, msgError); got.Code != codeInvalidState {
		t.Errorf("code = %q, want %q", got.Code, codeInvalidState)
	}
}

func TestDictation_StartWhileListeningIsInvalidState(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	conn := dial(t, startServer(t, p))

	sendJSON(t, conn, startMsg(0))
	nextStatus(t, conn, "listening")
	sendJSON(t, conn, startMsg(0))
	if got := next(t, conn, msgError); got.Code != codeInvalidState {
		t.Errorf("code = %q, want %q", got.Code, codeInvalidState)
	}
	if n := p.ConnectCallCount(); n != 1 {
		t.Errorf("ConnectCallCount = %d, want 1", n)
	}
}

func TestDictation_MicPermissionDenied(t *testing.T) {
	t.Parallel()
	mc := mock.NewConn()
	conn := dial(t, startServer(t, &mock.Provider{Conn: mc}))

	sendJSON(t, conn, clientMessage{Type: msgMicError, Reason: reasonPermissionDenied})
	sendJSON(t, conn, startMsg(0))

	got := nextStatus(t, conn, "error")
	if got.Cause != "permission_denied" {
		t.Errorf("cause = %q, want permission_denied", got.Cause)
	}
	waitFor(t, "provider connection released", mc.Closed)
}

func TestDictation_ConnectFailure(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{ConnectErr: fmt.Errorf("%w: 401 unauthorized", transcribe.ErrConnect)}
	conn := dial(t, startServer(t, p))

	sendJSON(t, conn, startMsg(0))
	got := nextStatus(t, conn, "error")
	if got.Cause != "connect_error" {
		t.Errorf("cause = %q, want connect_error", got.Cause)
	}
	if !strings.Contains(got.Message, "401") {
		t.Errorf("message = %q, want the underlying error", got.Message)
	}

	// Stop acknowledges the failure.
	sendJSON(t, conn, clientMessage{Type: msgStop})
	nextStatus(t, conn, "idle")
}

func TestDictation_MidSessionTransportFailure(t *testing.T) {
	t.Parallel()
	mc := mock.NewConn()
	conn := dial(t, startServer(t, &mock.Provider{Conn: mc}))

	sendJSON(t, conn, startMsg(0))
	nextStatus(t, conn, "listening")
	mc.Emit(transcribe.Event{Seq: 0, Text: "Patient reports", IsFinal: true})
	next(t, conn, msgTranscript)

	mc.Fail(fmt.Errorf("%w: connection reset", transcribe.ErrTransport))
	got := nextStatus(t, conn, "error")
	if got.Cause != "transport_error" {
		t.Errorf("cause = %q, want transport_error", got.Cause)
	}
}

func TestDictation_BadMessages(t *testing.T) {
	t.Parallel()
	conn := dial(t, startServer(t, &mock.Provider{}))

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", "not json", codeBadMessage},
		{"unknown type", `{"type":"pause"}`, codeUnsupported},
		{"bad encoding", `{"type":"start","encoding":"opus"}`, codeBadMessage},
		{"bad rate", `{"type":"start","sampleRate":-1}`, codeBadMessage},
	}
	for _, tc := range tests {
		sendText(t, conn, tc.raw)
		if got := next(t, conn, msgError); got.Code != tc.want {
			t.Errorf("%s: code = %q, want %q", tc.name, got.Code, tc.want)
		}
	}
}

func TestDictation_DisconnectStopsSession(t *testing.T) {
	t.Parallel()
	mc := mock.NewConn()
	srv := startServer(t, &mock.Provider{Conn: mc})
	conn := dial(t, srv)

	sendJSON(t, conn, startMsg(0))
	nextStatus(t, conn, "listening")
	conn.Close(websocket.StatusNormalClosure, "tab closed")

	waitFor(t, "provider connection closed", mc.Closed)
}

func TestDictation_DisconnectDuringStartIsNotAnError(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{ConnectGate: make(chan struct{})} // never opens
	s, reader := newTestServer(t, p)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	conn := dial(t, srv)

	sendJSON(t, conn, startMsg(0))
	nextStatus(t, conn, "starting")
	conn.Close(websocket.StatusGoingAway, "tab closed")

	waitFor(t, "client teardown", func() bool {
		return p.ConnectCallCount() == 1 && sum(t, reader, "dictation.active_clients") == 0
	})
	if n := sum(t, reader, "dictation.session.errors"); n != 0 {
		t.Errorf("session errors = %d, want 0 for an abandoned start", n)
	}
}

func TestServer_ShutdownWaitsForClients(t *testing.T) {
	t.Parallel()
	mc := mock.NewConn()
	s, reader := newTestServer(t, &mock.Provider{Conn: mc})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	conn := dialURL(t, "http://"+ln.Addr().String())
	sendJSON(t, conn, startMsg(0))
	nextStatus(t, conn, "listening")

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	// Serve returns only after every dictation client has been torn down.
	if !mc.Closed() {
		t.Error("provider connection still open after Serve returned")
	}
	if n := sum(t, reader, "dictation.active_clients"); n != 0 {
		t.Errorf("active clients = %d after Serve returned, want 0", n)
	}
}

func TestServer_HealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "# metrics\n")
	})
	h := health.New(health.Checker{Name: "transcribe", Check: func(context.Context) error { return nil }})
	srv := startServer(t, &mock.Provider{}, WithHealth(h), WithMetricsHandler(metrics))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := srv.Client().Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestServer_UpdateSwapsProvider(t *testing.T) {
	t.Parallel()
	first := &mock.Provider{}
	second := &mock.Provider{}
	s := New(first, testSettings(), WithMetricsHandler(http.NotFoundHandler()))

	s.Update(second, testSettings())
	p, _ := s.current()
	if p != second {
		t.Error("Update did not swap the provider")
	}
	s.Update(nil, testSettings())
	if p, _ := s.current(); p != second {
		t.Error("Update(nil) should keep the provider")
	}
}

func TestDecodeF32LE(t *testing.T) {
	t.Parallel()
	want := []float32{0, 0.5, -1}
	data := make([]byte, 0, len(want)*4+1)
	for _, v := range want {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
	}
	data = append(data, 0x7f) // trailing partial sample

	if diff := cmp.Diff(want, decodeF32LE(data)); diff != "" {
		t.Errorf("decodeF32LE mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateStart_Defaults(t *testing.T) {
	t.Parallel()
	m := clientMessage{Type: msgStart, NoteLength: -3}
	if err := validateStart(&m); err != nil {
		t.Fatalf("validateStart: %v", err)
	}
	want := clientMessage{Type: msgStart, Encoding: encodingF32LE, Channels: 1}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}
