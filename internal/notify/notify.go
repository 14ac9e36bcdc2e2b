package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zsprackett/agent-mascot/internal/db"
	"github.com/zsprackett/agent-mascot/internal/mascot"
)

// Config holds notification settings.
type Config struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Webhook string `json:"webhook" yaml:"webhook"`
	NtfyURL string `json:"ntfy" yaml:"ntfy"`
}

// queueSize bounds notifications waiting to be delivered.
const queueSize = 32

type job struct {
	session db.Session
	event   string
}

// Notifier posts to an optional webhook and an optional ntfy topic when a
// session errors or is put to sleep by the liveness monitor. Deliveries run
// on a background worker so callers never wait on the network.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// New returns a Notifier with the given config. When enabled it starts the
// delivery worker; call Close to drain it.
func New(cfg Config, logger *slog.Logger) *Notifier {
	n := &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
		queue:  make(chan job, queueSize),
		done:   make(chan struct{}),
	}
	if cfg.Enabled {
		go n.run()
	} else {
		close(n.done)
	}
	return n
}

// Notify queues a report that s reached its current state because of event.
// A nil or disabled Notifier is a no-op. When the queue is full the
// notification is dropped and logged. Delivery failures are logged, never
// returned.
func (n *Notifier) Notify(s db.Session, event string) {
	if n == nil || !n.cfg.Enabled {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- job{session: s, event: event}:
	default:
		n.logger.Warn("notify: queue full, dropping notification", "session_id", s.ID, "event", event)
	}
}

// Close stops accepting notifications and waits for queued ones to be sent.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for j := range n.queue {
		if n.cfg.Webhook != "" {
			n.sendWebhook(j.session, j.event)
		}
		if n.cfg.NtfyURL != "" {
			n.sendNtfy(j.session, j.event)
		}
	}
}

func displayName(s db.Session) string {
	if s.Name != "" {
		return s.Name
	}
	return "mascot"
}

func headline(s db.Session, event string) string {
	name := displayName(s)
	switch {
	case event == mascot.EventProcessDeath:
		return fmt.Sprintf("%s fell asleep (agent process exited)", name)
	case s.State == mascot.StateError:
		return fmt.Sprintf("%s hit an error", name)
	default:
		return fmt.Sprintf("%s is %s", name, s.State)
	}
}

type webhookPayload struct {
	Session   string `json:"session"`
	State     string `json:"state"`
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
}

func (n *Notifier) sendWebhook(s db.Session, event string) {
	payload := webhookPayload{
		Session:   displayName(s),
		State:     string(s.State),
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	n.post("webhook", n.cfg.Webhook, payload)
}

type ntfyPayload struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(s db.Session, event string) {
	priority, tags := 3, []string{"zzz"}
	if s.State == mascot.StateError {
		priority, tags = 4, []string{"rotating_light"}
	}
	payload := ntfyPayload{
		Title:    headline(s, event),
		Message:  fmt.Sprintf("%s · %s", event, s.State),
		Priority: priority,
		Tags:     tags,
	}
	n.post("ntfy", n.cfg.NtfyURL, payload)
}

func (n *Notifier) post(kind, url string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		n.logger.Warn("notify: "+kind+" POST failed", "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("notify: "+kind+" rejected", "status", resp.StatusCode)
	}
}
