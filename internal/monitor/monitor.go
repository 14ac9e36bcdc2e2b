package monitor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/agent-mascot/internal/db"
	"github.com/zsprackett/agent-mascot/internal/events"
	"github.com/zsprackett/agent-mascot/internal/mascot"
	"github.com/zsprackett/agent-mascot/internal/notify"
	"github.com/zsprackett/agent-mascot/internal/session"
)

// DefaultInterval is how often tracked processes are probed.
const DefaultInterval = 10 * time.Second

// Liveness is the outcome of probing a single pid.
type Liveness int

const (
	Alive Liveness = iota
	Dead
	// Indeterminate means the process may exist but cannot be inspected,
	// e.g. it belongs to another user.
	Indeterminate
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	default:
		return "indeterminate"
	}
}

// Prober reports whether a pid is still running.
type Prober interface {
	Probe(pid int) Liveness
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(pid int) Liveness

func (f ProberFunc) Probe(pid int) Liveness { return f(pid) }

// Monitor puts sessions to sleep once every process that reported events for
// them has exited without sending SessionEnd.
type Monitor struct {
	registry    *session.Registry
	broadcaster events.Broadcaster
	prober      Prober
	notifier    *notify.Notifier
	interval    time.Duration
	now         func() time.Time
	stop        chan struct{}
	wg          sync.WaitGroup
	logger      *slog.Logger
}

func New(reg *session.Registry, broadcaster events.Broadcaster, prober Prober, notifier *notify.Notifier, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if prober == nil {
		prober = SystemProber()
	}
	return &Monitor{
		registry:    reg,
		broadcaster: broadcaster,
		prober:      prober,
		notifier:    notifier,
		interval:    interval,
		now:         time.Now,
		stop:        make(chan struct{}),
		logger:      logger,
	}
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Tick()
			}
		}
	}()
}

func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Tick runs one liveness pass over every session that is awake or has
// tracked processes. A failing session is logged and skipped; the others are
// still checked, and the next tick retries it.
func (m *Monitor) Tick() {
	sessions, err := m.registry.MonitoredSessions()
	if err != nil {
		m.logger.Warn("monitor: list monitored sessions", "err", err)
		return
	}
	for _, s := range sessions {
		if err := m.check(s); err != nil {
			m.logger.Warn("monitor: session check failed", "session_id", s.ID, "err", err)
		}
	}
}

func (m *Monitor) check(s *db.Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	pids, err := m.registry.TrackedProcesses(s.ID)
	if err != nil {
		return err
	}
	var gone []int
	for _, pid := range pids {
		switch l := m.prober.Probe(pid); l {
		case Alive:
		case Indeterminate:
			m.logger.Debug("monitor: pid not inspectable, treating as exited", "session_id", s.ID, "pid", pid)
			gone = append(gone, pid)
		default:
			gone = append(gone, pid)
		}
	}
	// Nothing exited and something is still running.
	if len(gone) == 0 && len(pids) > 0 {
		return nil
	}

	slept, err := m.registry.RetireProcesses(s.ID, gone)
	if err != nil {
		return err
	}
	if len(gone) > 0 {
		m.logger.Debug("monitor: retired processes", "session_id", s.ID, "pids", gone)
	}
	if !slept {
		return nil
	}

	m.logger.Info("monitor: session put to sleep", "session_id", s.ID, "name", s.Name)
	m.publish(s, events.Event{
		State:     mascot.StateSleeping,
		Event:     mascot.EventProcessDeath,
		Timestamp: m.now().UTC(),
	})
	if err := m.registry.RecordEvent(s.ID, mascot.EventProcessDeath, "", mascot.StateSleeping); err != nil {
		m.logger.Warn("monitor: record event", "session_id", s.ID, "err", err)
	}
	asleep := *s
	asleep.State = mascot.StateSleeping
	m.notifier.Notify(asleep, mascot.EventProcessDeath)
	return nil
}

func (m *Monitor) publish(s *db.Session, e events.Event) {
	if m.broadcaster == nil {
		return
	}
	topic := events.Topic(s.Token)
	if s.Legacy {
		topic = events.GlobalTopic
	}
	m.broadcaster.Publish(topic, e)
}
