package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/sensorlog/internal/faults"
)

// v5Session speaks MQTT 5 through the Paho v2 client over a connection
// it dials itself. Paho's autopaho manager is not used: it reconnects
// on its own, and reconnecting belongs to the supervisor.
type v5Session struct {
	*stream
	opts   Options
	conn   net.Conn
	client *paho.Client
}

func newV5Session(opts Options, logger *slog.Logger) *v5Session {
	return &v5Session{
		stream: newStream(logger.With("protocol", Protocol5)),
		opts:   opts,
	}
}

// Connect dials the broker and completes the CONNECT/CONNACK exchange,
// both bounded by timeout.
func (s *v5Session) Connect(ctx context.Context, timeout time.Duration) error {
	if s.State() != Disconnected {
		return s.fail(faults.Errorf(faults.Connection, "connect", "session is %s", s.State()))
	}
	s.setState(Connecting)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.opts.address())
	if err != nil {
		return s.fail(faults.Wrap(faults.Connection, "dial", err))
	}
	s.conn = conn

	clientID := s.opts.clientID()
	s.client = paho.NewClient(paho.ClientConfig{
		ClientID: clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				s.deliverMessage(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			s.logger.Warn("mqtt client error", "broker", s.opts.address(), "error", err)
			s.connectionLost(err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			reason := fmt.Sprintf("server requested disconnect with reason code %d", d.ReasonCode)
			if d.Properties != nil && d.Properties.ReasonString != "" {
				reason = "server requested disconnect: " + d.Properties.ReasonString
			}
			s.logger.Warn("mqtt server disconnect", "broker", s.opts.address(), "reason", reason)
			s.connectionLost(errors.New(reason))
		},
	})

	cp := &paho.Connect{
		ClientID:   clientID,
		KeepAlive:  s.opts.keepAlive(),
		CleanStart: true,
	}
	if s.opts.Username != "" {
		cp.Username = s.opts.Username
		cp.UsernameFlag = true
		cp.Password = []byte(s.opts.Password)
		cp.PasswordFlag = true
	}

	ca, err := s.client.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		return s.fail(faults.Wrap(faults.Connection, "connect", fmt.Errorf("broker %s: %w", s.opts.address(), err)))
	}
	if ca.ReasonCode != 0 {
		conn.Close()
		return s.fail(faults.Errorf(faults.Connection, "connect", "broker %s refused connection (reason code %d)", s.opts.address(), ca.ReasonCode))
	}

	s.setState(Connected)
	s.deliverStatus("connected")
	s.logger.Info("mqtt connected to broker", "broker", s.opts.address())
	return nil
}

// Subscribe registers filter at QoS 0 and checks the SUBACK reason code.
func (s *v5Session) Subscribe(ctx context.Context, filter string) error {
	if s.client == nil || s.isLost() || s.State() != Connected {
		return s.fail(faults.Errorf(faults.Subscription, "subscribe", "not connected"))
	}

	s.setFilter(filter)
	sa, err := s.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: filter, QoS: 0},
		},
	})
	if err != nil {
		return s.fail(faults.Wrap(faults.Subscription, "subscribe", fmt.Errorf("filter %q: %w", filter, err)))
	}
	for _, code := range sa.Reasons {
		if code >= 0x80 {
			return s.fail(faults.Errorf(faults.Subscription, "subscribe", "broker rejected filter %q (reason code 0x%02x)", filter, code))
		}
	}

	s.setState(Subscribed)
	s.logger.Info("mqtt subscription made", "filter", filter, "qos", 0)
	return nil
}

// Receive returns the next message on the subscription.
func (s *v5Session) Receive(ctx context.Context) (Message, error) {
	return s.receive(ctx)
}

// Close sends DISCONNECT if the connection is up and releases it.
func (s *v5Session) Close(context.Context) error {
	alive := !s.isLost()
	s.connectionLost(errors.New("session closed"))

	var err error
	if s.client != nil && alive {
		err = s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.fail(nil)
	return err
}
