package webserver_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/agent-mascot/internal/events"
	"github.com/zsprackett/agent-mascot/internal/mascot"
	"github.com/zsprackett/agent-mascot/internal/monitor"
	"github.com/zsprackett/agent-mascot/internal/notify"
	"github.com/zsprackett/agent-mascot/internal/webserver"
)

// sseStream opens /events and waits until the server confirms the
// subscription.
func sseStream(t *testing.T, ctx context.Context, baseURL, token string) *bufio.Reader {
	t.Helper()
	req, _ := http.NewRequestWithContext(ctx, "GET", baseURL+"/events?token="+token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != ": connected" {
		t.Fatalf("expected connected comment, got %q (%v)", line, err)
	}
	return r
}

// nextData returns the payload of the next data frame, skipping comments.
func nextData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
			return data
		}
	}
}

func nextEvent(t *testing.T, r *bufio.Reader) events.Event {
	t.Helper()
	data := nextData(t, r)
	var e events.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return e
}

func TestSSEDeliversOnlyOwnSession(t *testing.T) {
	f := newFixture(t, webserver.Config{}, "")
	ts := httptest.NewServer(f.handler)
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tokenA := f.createSession(t, "a")
	tokenB := f.createSession(t, "b")
	streamA := sseStream(t, ctx, ts.URL, tokenA)
	streamB := sseStream(t, ctx, ts.URL, tokenB)

	f.do("POST", "/api/hooks/event", tokenA, `{"event":"PreToolUse","tool":"Read"}`)
	f.do("POST", "/api/hooks/event", tokenB, `{"event":"Error"}`)

	a := nextEvent(t, streamA)
	if a.Event != "PreToolUse" || a.State != mascot.StateThinking || a.Tool == nil || *a.Tool != "Read" {
		t.Errorf("stream A: %+v", a)
	}
	// If A's publish had leaked, it would arrive on B first.
	raw := nextData(t, streamB)
	var b map[string]any
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	if b["event"] != "Error" || b["state"] != "error" {
		t.Errorf("stream B: %s", raw)
	}
	if tool, ok := b["tool"]; !ok || tool != nil {
		t.Errorf("stream B: want \"tool\":null, got %s", raw)
	}
}

func TestSSERejectsUnknownToken(t *testing.T) {
	f := newFixture(t, webserver.Config{}, "")
	for _, target := range []string{"/events", "/events?token=nope"} {
		w := f.do("GET", target, "", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", target, w.Code)
		}
	}
	if n := f.router.SubscriberCount(events.Topic("nope")); n != 0 {
		t.Errorf("rejected viewer left %d subscriptions", n)
	}
}

func wsURL(httpURL, token string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws?token=" + token
}

func TestWebSocketReceivesEvents(t *testing.T) {
	f := newFixture(t, webserver.Config{}, "")
	ts := httptest.NewServer(f.handler)
	defer ts.Close()
	token := f.createSession(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	f.do("POST", "/api/hooks/event", token, `{"event":"PostToolUse","tool":"Write"}`)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.State != mascot.StateWorking || e.Tool == nil || *e.Tool != "Write" {
		t.Errorf("got %+v", e)
	}
}

func TestWebSocketUnsubscribesOnDisconnect(t *testing.T) {
	f := newFixture(t, webserver.Config{}, "")
	ts := httptest.NewServer(f.handler)
	defer ts.Close()
	token := f.createSession(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if n := f.router.SubscriberCount(events.Topic(token)); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.router.SubscriberCount(events.Topic(token)) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := f.router.SubscriberCount(events.Topic(token)); n != 0 {
		t.Errorf("subscription leaked after disconnect: %d", n)
	}
}

func TestWebSocketRejectsUnknownToken(t *testing.T) {
	f := newFixture(t, webserver.Config{}, "")
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "nope"), nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 response, got %v", resp)
	}
}

type scriptedProber struct {
	mu   sync.Mutex
	dead map[int]bool
}

func (p *scriptedProber) kill(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead[pid] = true
}

func (p *scriptedProber) Probe(pid int) monitor.Liveness {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead[pid] {
		return monitor.Dead
	}
	return monitor.Alive
}

// A crashed agent never sends SessionEnd; the monitor puts the mascot to
// sleep once the last reporting process is gone.
func TestCrashedAgentFallsAsleep(t *testing.T) {
	f := newFixture(t, webserver.Config{}, "")
	ts := httptest.NewServer(f.handler)
	defer ts.Close()
	token := f.createSession(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	f.do("POST", "/api/hooks/event", token, `{"event":"SessionStart","pid":5001}`)
	f.do("POST", "/api/hooks/event", token, `{"event":"PreToolUse","tool":"Bash","pid":5002}`)
	for _, want := range []mascot.State{mascot.StateIdle, mascot.StateThinking} {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("read: %v", err)
		}
		if e.State != want {
			t.Fatalf("got %q want %q", e.State, want)
		}
	}

	prober := &scriptedProber{dead: map[int]bool{}}
	logger := discardLogger()
	mon := monitor.New(f.reg, f.router, prober, notify.New(notify.Config{}, logger), time.Hour, logger)

	prober.kill(5001)
	mon.Tick()
	prober.kill(5002)
	mon.Tick()
	mon.Tick()

	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.State != mascot.StateSleeping || e.Event != mascot.EventProcessDeath {
		t.Fatalf("expected ProcessDeath sleep as the next event, got %+v", e)
	}

	status := decode(t, f.do("GET", "/api/hooks/status?token="+token, "", ""))
	if status["state"] != "sleeping" || status["session_active"] != false {
		t.Errorf("status: %v", status)
	}

	// Nothing else follows.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if err := conn.ReadJSON(&e); err == nil {
		t.Errorf("unexpected extra event %+v", e)
	}
}

func TestStartAndShutdown(t *testing.T) {
	f := newFixture(t, webserver.Config{Port: 0}, "")
	if err := f.srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	base := "http://" + f.srv.Addr()
	token := f.createSession(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sseStream(t, ctx, base, token)

	resp, err := http.Get(base + "/api/hooks/status?token=" + token)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status code %d", resp.StatusCode)
	}

	// Open streams must not hold shutdown open.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelShutdown()
	if err := f.srv.Shutdown(shutdownCtx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSelfSignedCertCoversBaseURL(t *testing.T) {
	dir := t.TempDir()
	start := func(baseURL string) *tls.ConnectionState {
		t.Helper()
		f := newFixture(t, webserver.Config{
			Host:    "127.0.0.1",
			BaseURL: baseURL,
			TLS:     webserver.TLSConfig{Mode: "self-signed", CacheDir: dir},
		}, "")
		if err := f.srv.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			f.srv.Shutdown(ctx)
		}()
		conn, err := tls.Dial("tcp", f.srv.Addr(), &tls.Config{InsecureSkipVerify: true})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		state := conn.ConnectionState()
		return &state
	}

	first := start("https://mascot.example.test:8443")
	leaf := first.PeerCertificates[0]
	for _, host := range []string{"mascot.example.test", "localhost", "127.0.0.1"} {
		if err := leaf.VerifyHostname(host); err != nil {
			t.Errorf("certificate does not cover %s: %v", host, err)
		}
	}

	// Same hosts: the cached certificate is reused.
	again := start("https://mascot.example.test:8443")
	if again.PeerCertificates[0].SerialNumber.Cmp(leaf.SerialNumber) != 0 {
		t.Error("expected cached certificate to be reused")
	}

	// A new public host forces a fresh certificate.
	moved := start("https://office.example.test")
	if err := moved.PeerCertificates[0].VerifyHostname("office.example.test"); err != nil {
		t.Errorf("regenerated certificate: %v", err)
	}
}
