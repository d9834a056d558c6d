package supervisor

import "testing"

func TestTransition(t *testing.T) {
	tests := []struct {
		state      State
		event      Event
		wantState  State
		wantAction Action
	}{
		{Idle, EventStart, Connecting, ActionConnect},
		{Connecting, EventConnected, Subscribing, ActionSubscribe},
		{Subscribing, EventSubscribed, Streaming, ActionReceive},
		{Streaming, EventStored, Streaming, ActionReceive},
		{Backoff, EventBackoffElapsed, Connecting, ActionConnect},

		{Connecting, EventFailed, Backoff, ActionSleep},
		{Subscribing, EventFailed, Backoff, ActionSleep},
		{Streaming, EventFailed, Backoff, ActionSleep},
		{Backoff, EventFailed, Backoff, ActionSleep},

		// Out-of-order events never stall the cycle.
		{Idle, EventStored, Backoff, ActionSleep},
		{Connecting, EventSubscribed, Backoff, ActionSleep},
		{Streaming, EventStart, Backoff, ActionSleep},
	}
	for _, tt := range tests {
		gotState, gotAction := Transition(tt.state, tt.event)
		if gotState != tt.wantState || gotAction != tt.wantAction {
			t.Errorf("Transition(%v, %d) = (%v, %d), want (%v, %d)",
				tt.state, tt.event, gotState, gotAction, tt.wantState, tt.wantAction)
		}
	}
}

func TestTransition_FullCycle(t *testing.T) {
	// A session that connects, streams two messages, fails, and then
	// comes back must end up streaming again.
	events := []Event{EventConnected, EventSubscribed, EventStored, EventStored, EventFailed, EventBackoffElapsed, EventConnected, EventSubscribed}
	state, action := Transition(Idle, EventStart)
	for _, e := range events {
		state, action = Transition(state, e)
	}
	if state != Streaming || action != ActionReceive {
		t.Errorf("final = (%v, %d), want (streaming, receive)", state, action)
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		Idle:        "idle",
		Connecting:  "connecting",
		Subscribing: "subscribing",
		Streaming:   "streaming",
		Backoff:     "backoff",
		State(9):    "unknown",
	} {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}
