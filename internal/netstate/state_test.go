package netstate

import (
	"testing"

	"github.com/pairchat/pairchat/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
	if m.IsOnline() {
		t.Error("fresh machine must not report online")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Offline},
		{Booting, Connecting},
		{Offline, Connecting},
		{Connecting, Online},
		{Connecting, Offline},
		{Online, Offline},
		{Online, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Online); err == nil {
		t.Error("Transition(BOOTING -> ONLINE) should fail; must go through CONNECTING")
	}
}

func TestIsOnlineTracksState(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Online)
	if !m.IsOnline() {
		t.Error("expected online")
	}
	if err := m.Transition(Offline); err != nil {
		t.Fatal(err)
	}
	if m.IsOnline() {
		t.Error("expected offline after transition")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Offline); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindNetChanged {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindNetChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Offline {
		t.Errorf("change = %v -> %v, want BOOTING -> OFFLINE", change.From, change.To)
	}
}

// TestOfflineOnlineCycle simulates connectivity dropping and returning:
// BOOTING → CONNECTING → ONLINE → OFFLINE → CONNECTING → ONLINE.
func TestOfflineOnlineCycle(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Connecting, Online, Offline, Connecting, Online}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.IsOnline() {
		t.Errorf("final state = %s, want ONLINE", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:    {},
		Offline:    {Offline},
		Connecting: {Connecting},
		Online:     {Connecting, Online},
		Error:      {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
