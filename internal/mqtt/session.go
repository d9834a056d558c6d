package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/sensorlog/internal/faults"
)

// DefaultPort is the standard unencrypted MQTT port.
const DefaultPort = 1883

// Protocol versions accepted in [Options.Protocol].
const (
	Protocol311 = "3.1.1"
	Protocol5   = "5"
)

// eventBuffer bounds how many inbound events may wait for Receive. When
// full, the client's delivery goroutine blocks until the caller catches
// up, so messages stay in arrival order.
const eventBuffer = 64

// Options configures a broker session.
type Options struct {
	Broker    string // hostname or IP
	Port      int    // 0 means DefaultPort
	Protocol  string // Protocol311 (default) or Protocol5
	ClientID  string // empty generates sensorlog-<uuid> per session
	Username  string
	Password  string
	KeepAlive uint16 // seconds; 0 means 30
}

func (o Options) address() string {
	port := o.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", o.Broker, port)
}

func (o Options) clientID() string {
	if o.ClientID != "" {
		return o.ClientID
	}
	return "sensorlog-" + uuid.NewString()
}

func (o Options) keepAlive() uint16 {
	if o.KeepAlive == 0 {
		return 30
	}
	return o.KeepAlive
}

// Message is one payload-bearing publish received on a subscription.
type Message struct {
	Topic   string
	Payload []byte
}

// Session is one attempt at connect, subscribe, and receive against the
// broker. It is single-use: after any error the session is terminal.
type Session interface {
	// Connect dials the broker and completes the protocol handshake
	// within timeout. Failures are [faults.Connection] errors.
	Connect(ctx context.Context, timeout time.Duration) error
	// Subscribe registers filter at QoS 0. Failures are
	// [faults.Subscription] errors.
	Subscribe(ctx context.Context, filter string) error
	// Receive blocks until the next message arrives. It fails with a
	// [faults.Receive] error when the connection is lost or ctx ends.
	Receive(ctx context.Context) (Message, error)
	// Close disconnects. It is safe to call in any state.
	Close(ctx context.Context) error
	// State reports where the session is in its lifecycle.
	State() State
}

// New creates an unconnected session for the configured protocol.
func New(opts Options, logger *slog.Logger) (Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.TrimSpace(opts.Protocol) {
	case "", Protocol311, "311", "4":
		return newV3Session(opts, logger), nil
	case Protocol5, "5.0":
		return newV5Session(opts, logger), nil
	default:
		return nil, faults.Errorf(faults.Connection, "new session", "unsupported mqtt protocol %q (valid: %s, %s)", opts.Protocol, Protocol311, Protocol5)
	}
}

// State is a session lifecycle position.
type State int

const (
	// Disconnected is the initial state of a new session.
	Disconnected State = iota
	// Connecting means a dial or handshake is in flight.
	Connecting
	// Connected means the broker accepted the handshake.
	Connected
	// Subscribed means the broker acknowledged the subscription.
	Subscribed
	// Receiving means at least one message has been delivered.
	Receiving
	// Failed is terminal.
	Failed
)

// String returns the lowercase state name for logging.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	case Receiving:
		return "receiving"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// eventKind distinguishes inbound messages from connection-status
// changes on the shared event stream.
type eventKind int

const (
	eventMessage eventKind = iota
	eventStatus
)

type event struct {
	kind    eventKind
	message Message
	status  string
}

// stream is the protocol-independent half of a session: lifecycle
// state, the ordered event queue fed by the client's callbacks, and the
// one-shot "connection lost" signal.
type stream struct {
	logger *slog.Logger
	events chan event
	lost   chan struct{}

	mu       sync.Mutex
	state    State
	filter   string
	lostErr  error
	lostOnce sync.Once
}

func newStream(logger *slog.Logger) *stream {
	return &stream{
		logger: logger,
		events: make(chan event, eventBuffer),
		lost:   make(chan struct{}),
	}
}

// State reports the session's lifecycle state.
func (s *stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stream) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Failed {
		return
	}
	s.state = st
}

func (s *stream) setFilter(filter string) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
}

// fail marks the session terminal and returns err for convenience.
func (s *stream) fail(err error) error {
	s.mu.Lock()
	s.state = Failed
	s.mu.Unlock()
	return err
}

// connectionLost records the first cause of a dropped connection and
// wakes any blocked Receive. Later calls are ignored.
func (s *stream) connectionLost(err error) {
	s.lostOnce.Do(func() {
		if err == nil {
			err = fmt.Errorf("connection closed")
		}
		s.mu.Lock()
		s.lostErr = err
		s.mu.Unlock()
		close(s.lost)
	})
}

func (s *stream) lostCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostErr
}

func (s *stream) isLost() bool {
	select {
	case <-s.lost:
		return true
	default:
		return false
	}
}

// deliverMessage queues a received publish. It blocks while the queue
// is full and gives up once the connection is lost.
func (s *stream) deliverMessage(topic string, payload []byte) {
	s.deliver(event{kind: eventMessage, message: Message{Topic: topic, Payload: payload}})
}

// deliverStatus queues a connection-status change.
func (s *stream) deliverStatus(status string) {
	s.deliver(event{kind: eventStatus, status: status})
}

func (s *stream) deliver(ev event) {
	select {
	case s.events <- ev:
	case <-s.lost:
	}
}

// receive returns the next message. Messages already queued are handed
// out before a lost connection is reported.
func (s *stream) receive(ctx context.Context) (Message, error) {
	if st := s.State(); st != Subscribed && st != Receiving {
		return Message{}, s.fail(faults.Errorf(faults.Receive, "receive", "session is %s, not subscribed", st))
	}
	for {
		select {
		case ev := <-s.events:
			if msg, ok := s.handle(ev); ok {
				return msg, nil
			}
			continue
		default:
		}

		select {
		case ev := <-s.events:
			if msg, ok := s.handle(ev); ok {
				return msg, nil
			}
		case <-s.lost:
			return Message{}, s.fail(faults.Wrap(faults.Receive, "receive", s.lostCause()))
		case <-ctx.Done():
			return Message{}, s.fail(faults.Wrap(faults.Receive, "receive", ctx.Err()))
		}
	}
}

// handle turns an event into a message to return, or consumes it.
func (s *stream) handle(ev event) (Message, bool) {
	if ev.kind == eventStatus {
		s.logger.Debug("mqtt connection status", "status", ev.status)
		return Message{}, false
	}

	s.mu.Lock()
	filter := s.filter
	s.mu.Unlock()

	if filter != "" && !Match(filter, ev.message.Topic) {
		s.logger.Warn("mqtt message outside subscription ignored",
			"topic", ev.message.Topic,
			"filter", filter,
		)
		return Message{}, false
	}

	s.setState(Receiving)
	return ev.message, true
}
