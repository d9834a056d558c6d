// Package supervisor runs broker sessions forever and persists every
// message they deliver. Any failure (connect, subscribe, receive,
// decode, or store) abandons the whole session; the supervisor logs it,
// waits out a backoff, and starts again with a fresh session. It only
// stops when its context is cancelled.
//
// The cycle is an explicit state machine ([Transition]) so its retry
// behavior can be tested with fake sessions and no network.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/sensorlog/internal/faults"
	"github.com/nugget/sensorlog/internal/metrics"
	"github.com/nugget/sensorlog/internal/mqtt"
	"github.com/nugget/sensorlog/internal/reading"
)

// DefaultConnectTimeout bounds each session's connect step.
const DefaultConnectTimeout = 5 * time.Second

// closeTimeout bounds the polite disconnect when a session is torn down.
const closeTimeout = 2 * time.Second

// Session is the broker session lifecycle the supervisor drives.
// [mqtt.Session] satisfies it.
type Session interface {
	Connect(ctx context.Context, timeout time.Duration) error
	Subscribe(ctx context.Context, filter string) error
	Receive(ctx context.Context) (mqtt.Message, error)
	Close(ctx context.Context) error
}

// SessionFactory builds a fresh, unconnected session for each attempt.
type SessionFactory func() (Session, error)

// Sink persists readings.
type Sink interface {
	Append(ctx context.Context, r reading.Reading) error
}

// Config holds the supervisor's static settings and injectable
// collaborators. Zero values get defaults.
type Config struct {
	DeviceID       string
	BaseTopic      string
	ConnectTimeout time.Duration
	Backoff        BackoffConfig

	// Clock returns the receipt time stamped on readings (default: time.Now).
	Clock func() time.Time
	// Sleep waits out a backoff delay and reports false if ctx ended
	// first (default: a timer-based sleep).
	Sleep func(ctx context.Context, d time.Duration) bool

	Metrics *metrics.Collector // optional
	Logger  *slog.Logger
}

// Status is a snapshot of the supervisor, suitable for JSON
// serialization in health endpoints.
type Status struct {
	State         State     `json:"state"`
	Attempts      int       `json:"attempts"`
	Stored        int64     `json:"readings_stored"`
	LastStored    time.Time `json:"last_stored,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorKind string    `json:"last_error_kind,omitempty"`
	LastFailure   time.Time `json:"last_failure,omitzero"`
}

// Healthy reports whether the supervisor is currently streaming.
func (s Status) Healthy() bool {
	return s.State == Streaming
}

// Supervisor drives sessions and forwards messages to the sink.
type Supervisor struct {
	cfg      Config
	sessions SessionFactory
	sink     Sink
	backoff  *backoff
	logger   *slog.Logger

	mu     sync.Mutex
	status Status
}

// New creates a Supervisor. Call [Supervisor.Run] to start it.
func New(cfg Config, sessions SessionFactory, sink Sink) *Supervisor {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = reading.UnknownDevice
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Supervisor{
		cfg:      cfg,
		sessions: sessions,
		sink:     sink,
		backoff:  newBackoff(cfg.Backoff),
		logger:   cfg.Logger,
	}
}

// Status returns the current supervisor status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run cycles sessions until ctx is cancelled, then closes the live
// session and returns nil. It never returns because of a transient
// failure.
func (s *Supervisor) Run(ctx context.Context) error {
	filter := mqtt.Filter(s.cfg.BaseTopic)
	s.logger.Info("supervisor started",
		"filter", filter,
		"device_id", s.cfg.DeviceID,
		"backoff", s.backoff.cfg.Policy,
	)

	var sess Session
	streamed := false
	state, action := Transition(Idle, EventStart)

	for {
		if ctx.Err() != nil {
			s.teardown(sess)
			s.setState(Idle)
			s.logger.Info("supervisor stopped")
			return nil
		}
		s.setState(state)

		var (
			next Event
			err  error
		)

		switch action {
		case ActionConnect:
			sess, err = s.connect(ctx)
			next = EventConnected

		case ActionSubscribe:
			err = sess.Subscribe(ctx, filter)
			next = EventSubscribed

		case ActionReceive:
			streamed = true
			err = s.ingest(ctx, sess)
			next = EventStored

		case ActionSleep:
			s.teardown(sess)
			sess = nil
			if streamed {
				s.backoff.Reset()
				streamed = false
			}
			delay := s.backoff.Next()
			s.logger.Debug("session backoff", "delay", delay.String())
			if !s.cfg.Sleep(ctx, delay) {
				continue
			}
			next = EventBackoffElapsed
		}

		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.recordFailure(state, err)
			next = EventFailed
		}

		state, action = Transition(state, next)
	}
}

// connect builds a fresh session and connects it.
func (s *Supervisor) connect(ctx context.Context) (Session, error) {
	s.mu.Lock()
	s.status.Attempts++
	attempt := s.status.Attempts
	s.mu.Unlock()

	s.cfg.Metrics.SessionStarted()
	s.logger.Debug("session starting", "attempt", attempt)

	sess, err := s.sessions()
	if err != nil {
		return nil, faults.Wrap(faults.Connection, "new session", err)
	}
	if err := sess.Connect(ctx, s.cfg.ConnectTimeout); err != nil {
		return sess, err
	}
	return sess, nil
}

// ingest receives one message, turns it into a reading, and appends it.
// Every error is fatal to the session.
func (s *Supervisor) ingest(ctx context.Context, sess Session) error {
	msg, err := sess.Receive(ctx)
	if err != nil {
		return err
	}

	r, err := reading.New(s.cfg.Clock(), msg.Topic, msg.Payload, s.cfg.DeviceID)
	if err != nil {
		return err
	}

	if err := s.sink.Append(ctx, r); err != nil {
		return err
	}

	s.cfg.Metrics.ReadingStored()
	s.mu.Lock()
	s.status.Stored++
	s.status.LastStored = time.Unix(r.Timestamp, 0)
	s.mu.Unlock()

	s.logger.Debug("reading stored", "topic", r.Topic, "value_len", len(r.Value))
	return nil
}

// teardown closes sess, if any, with a bounded timeout.
func (s *Supervisor) teardown(sess Session) {
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		s.logger.Debug("session close failed", "error", err)
	}
}

// recordFailure logs a session-fatal error and updates status and
// metrics. Every failure produces a log line before the retry.
func (s *Supervisor) recordFailure(state State, err error) {
	kind := faults.KindOf(err)

	s.mu.Lock()
	s.status.LastError = err.Error()
	s.status.LastErrorKind = kind.String()
	s.status.LastFailure = time.Now()
	attempt := s.status.Attempts
	s.mu.Unlock()

	s.cfg.Metrics.SessionFailed(kind.String())
	s.logger.Warn("session failed, retrying",
		"kind", kind.String(),
		"state", state.String(),
		"attempt", attempt,
		"error", err,
	)
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
	s.cfg.Metrics.SetState(state.String())
}
