package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahov3 "github.com/eclipse/paho.mqtt.golang"
	"github.com/nugget/sensorlog/internal/faults"
)

// v3Session speaks MQTT 3.1.1 through the classic Paho client with
// every form of automatic reconnection switched off.
type v3Session struct {
	*stream
	opts   Options
	client pahov3.Client
}

func newV3Session(opts Options, logger *slog.Logger) *v3Session {
	return &v3Session{
		stream: newStream(logger.With("protocol", Protocol311)),
		opts:   opts,
	}
}

func (s *v3Session) clientOptions(timeout time.Duration) *pahov3.ClientOptions {
	o := pahov3.NewClientOptions().
		AddBroker("tcp://" + s.opts.address()).
		SetClientID(s.opts.clientID()).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(timeout).
		SetKeepAlive(time.Duration(s.opts.keepAlive()) * time.Second).
		SetConnectionLostHandler(func(_ pahov3.Client, err error) {
			s.logger.Warn("mqtt connection lost", "broker", s.opts.address(), "error", err)
			s.connectionLost(err)
		}).
		SetOnConnectHandler(func(pahov3.Client) {
			s.deliverStatus("connected")
		})

	if s.opts.Username != "" {
		o.SetUsername(s.opts.Username)
		o.SetPassword(s.opts.Password)
	}
	return o
}

// Connect dials the broker and waits for CONNACK, bounded by timeout.
func (s *v3Session) Connect(ctx context.Context, timeout time.Duration) error {
	if s.State() != Disconnected {
		return s.fail(faults.Errorf(faults.Connection, "connect", "session is %s", s.State()))
	}
	s.setState(Connecting)

	s.client = pahov3.NewClient(s.clientOptions(timeout))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := waitToken(ctx, s.client.Connect()); err != nil {
		return s.fail(faults.Wrap(faults.Connection, "connect", fmt.Errorf("broker %s: %w", s.opts.address(), err)))
	}

	s.setState(Connected)
	s.logger.Info("mqtt connected to broker", "broker", s.opts.address())
	return nil
}

// Subscribe registers filter at QoS 0 and checks the SUBACK return code.
func (s *v3Session) Subscribe(ctx context.Context, filter string) error {
	if s.client == nil || s.State() != Connected || !s.client.IsConnectionOpen() || s.isLost() {
		return s.fail(faults.Errorf(faults.Subscription, "subscribe", "not connected"))
	}

	s.setFilter(filter)
	tok := s.client.Subscribe(filter, 0, func(_ pahov3.Client, m pahov3.Message) {
		s.deliverMessage(m.Topic(), m.Payload())
	})
	if err := waitToken(ctx, tok); err != nil {
		return s.fail(faults.Wrap(faults.Subscription, "subscribe", fmt.Errorf("filter %q: %w", filter, err)))
	}

	if st, ok := tok.(*pahov3.SubscribeToken); ok {
		if code, found := st.Result()[filter]; found && code >= 0x80 {
			return s.fail(faults.Errorf(faults.Subscription, "subscribe", "broker rejected filter %q (code 0x%02x)", filter, code))
		}
	}

	s.setState(Subscribed)
	s.logger.Info("mqtt subscription made", "filter", filter, "qos", 0)
	return nil
}

// Receive returns the next message on the subscription.
func (s *v3Session) Receive(ctx context.Context) (Message, error) {
	return s.receive(ctx)
}

// Close disconnects from the broker if connected.
func (s *v3Session) Close(context.Context) error {
	s.connectionLost(errors.New("session closed"))
	if s.client != nil {
		s.client.Disconnect(250)
	}
	s.fail(nil)
	return nil
}

// waitToken waits for a Paho token to complete or ctx to end.
func waitToken(ctx context.Context, tok pahov3.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
