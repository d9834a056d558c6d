// Package mqtt wraps one broker session: a single connect, subscribe,
// and receive lifecycle against an MQTT broker. A [Session] never
// reconnects on its own. Once any step fails the session is terminal
// and the caller is expected to discard it and build a new one, which
// keeps all retry policy in one place (the supervisor).
//
// Two client stacks are supported behind the same interface: MQTT 3.1.1
// via Eclipse Paho's classic client, and MQTT 5 via the Paho v2 [paho]
// package. Both deliver at QoS 0 and surface connection-status changes
// as events that are logged but never returned as messages.
package mqtt
