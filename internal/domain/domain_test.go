package domain

import "testing"

func TestEventTypeTaskNames(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind EventType
		task string
	}{
		{kind: EventReplenishment, task: TaskRefillBalance},
		{kind: EventAnnulment, task: TaskAnnulBalance},
		{kind: EventReminder, task: TaskSendReminder},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.TaskName(); got != tt.task {
				t.Fatalf("TaskName() = %q, want %q", got, tt.task)
			}
			if !tt.kind.RequiresChatID() {
				t.Fatalf("%v.RequiresChatID() = false, want true", tt.kind)
			}
		})
	}
}

func TestParseEventType(t *testing.T) {
	t.Parallel()
	if _, err := ParseEventType("REPLENISHMENT"); err != nil {
		t.Fatalf("ParseEventType(REPLENISHMENT) error: %v", err)
	}
	if _, err := ParseEventType("BIRTHDAY"); err == nil {
		t.Fatal("ParseEventType(BIRTHDAY): want error")
	}
}

func TestStateValid(t *testing.T) {
	t.Parallel()
	for _, s := range []State{StateInitial, StateConfigured, StateTerminated} {
		if !s.Valid() {
			t.Fatalf("State(%q).Valid() = false", s)
		}
	}
	if State("ACTIVE").Valid() {
		t.Fatal(`State("ACTIVE").Valid() = true, want false`)
	}
}
