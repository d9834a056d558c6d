// Package reading defines the single record the collector persists: one
// inbound MQTT message stamped with its local receipt time and the
// identity of the installation that received it.
package reading

import (
	"time"
	"unicode/utf8"

	"github.com/nugget/sensorlog/internal/faults"
)

// UnknownDevice is the device identifier used when none is configured.
const UnknownDevice = "UNKNOWN_DEVICE"

// Reading is one ingested message. Readings are immutable once created
// and are only ever appended to storage, never updated or deleted.
type Reading struct {
	// Timestamp is seconds since the Unix epoch, taken from the local
	// clock when the message was received (not from the publisher).
	Timestamp int64
	Topic     string
	Value     string
	DeviceID  string
}

// New builds a Reading from a received message. It fails with a
// [faults.Decode] error when the payload is not valid UTF-8 text, in
// which case no Reading exists for the message.
func New(receivedAt time.Time, topic string, payload []byte, deviceID string) (Reading, error) {
	value, err := Decode(payload)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Timestamp: receivedAt.Unix(),
		Topic:     topic,
		Value:     value,
		DeviceID:  deviceID,
	}, nil
}

// Decode returns payload as a string if it is valid UTF-8.
func Decode(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", faults.Errorf(faults.Decode, "decode payload", "payload of %d bytes is not valid UTF-8", len(payload))
	}
	return string(payload), nil
}
