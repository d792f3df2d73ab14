package call

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateRegistering, true},
		{StateRegistering, StateReady, true},
		{StateRegistering, StateError, true},
		{StateReady, StateDialing, true},
		{StateReady, StateRingingInbound, true},
		{StateReady, StateRegistering, true},
		{StateDialing, StateActive, true},
		{StateDialing, StateEnded, true},
		{StateRingingInbound, StateConnecting, true},
		{StateRingingInbound, StateReady, true},
		{StateConnecting, StateActive, true},
		{StateActive, StateEnded, true},
		{StateEnded, StateReady, true},
		{StateEnded, StateRingingInbound, true},
		{StateError, StateRegistering, true},

		{StateIdle, StateReady, false},
		{StateIdle, StateDialing, false},
		{StateReady, StateActive, false},
		{StateDialing, StateRingingInbound, false},
		{StateActive, StateDialing, false},
		{StateActive, StateActive, false},
		{StateError, StateReady, false},
		{StateEnded, StateActive, false},
	}
	for _, tc := range cases {
		if got := transitionValid(tc.from, tc.to); got != tc.ok {
			t.Fatalf("transitionValid(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestInvalidTransitionErrorMessage(t *testing.T) {
	err := &InvalidTransitionError{Command: "hangup", State: StateReady}
	want := "command hangup not valid in state READY"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestStateStrings(t *testing.T) {
	states := map[State]string{
		StateIdle:           "IDLE",
		StateRegistering:    "REGISTERING",
		StateReady:          "READY",
		StateDialing:        "DIALING",
		StateRingingInbound: "RINGING_INBOUND",
		StateConnecting:     "CONNECTING",
		StateActive:         "ACTIVE",
		StateEnded:          "ENDED",
		StateError:          "ERROR",
	}
	for s, want := range states {
		if s.String() != want {
			t.Fatalf("expected %q, got %q", want, s.String())
		}
	}
}
