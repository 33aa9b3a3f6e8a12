package notify

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oweller/taskmill/internal/events"
)

type notification struct {
	title, message string
}

// captureSend swaps the notification function for the duration of a test
// and returns the channel deliveries arrive on.
func captureSend(t *testing.T) chan notification {
	t.Helper()
	ch := make(chan notification, 10)
	orig := send
	send = func(title, message string) error {
		ch <- notification{title, message}
		return nil
	}
	t.Cleanup(func() { send = orig })
	return ch
}

func waitNotification(t *testing.T, ch chan notification) notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return notification{}
	}
}

func TestAttach_SessionFinished(t *testing.T) {
	ch := captureSend(t)
	bus := events.NewBus(10)
	defer bus.Close()
	Attach(bus, zerolog.Nop())

	bus.Publish(events.EventSessionFinished, map[string]interface{}{
		"processed": 3,
		"failed":    1,
	})

	n := waitNotification(t, ch)
	if n.title != "Taskmill session finished" {
		t.Errorf("title = %q", n.title)
	}
	if n.message != "3 tasks processed, 1 failed" {
		t.Errorf("message = %q", n.message)
	}
}

func TestAttach_FailedTask(t *testing.T) {
	ch := captureSend(t)
	bus := events.NewBus(10)
	defer bus.Close()
	Attach(bus, zerolog.Nop())

	bus.Publish(events.EventTaskCompleted, map[string]interface{}{
		"task_id": "t1",
		"outcome": "failed",
		"error":   "command failed: exit status 3",
	})

	n := waitNotification(t, ch)
	if n.title != "Taskmill task failed" {
		t.Errorf("title = %q", n.title)
	}
	if n.message != "t1: command failed: exit status 3" {
		t.Errorf("message = %q", n.message)
	}
}

func TestAttach_IgnoresSuccessfulTasks(t *testing.T) {
	ch := captureSend(t)
	bus := events.NewBus(10)
	defer bus.Close()
	Attach(bus, zerolog.Nop())

	bus.Publish(events.EventTaskCompleted, map[string]interface{}{
		"task_id": "t1",
		"outcome": "succeeded",
	})

	select {
	case n := <-ch:
		t.Errorf("unexpected notification for successful task: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEscape(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{`"quote" and \backslash`, `\"quote\" and \\backslash`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := escape(tt.input); got != tt.want {
			t.Errorf("escape(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestAttach_Detach(t *testing.T) {
	ch := captureSend(t)
	bus := events.NewBus(10)
	defer bus.Close()
	detach := Attach(bus, zerolog.Nop())
	detach()

	bus.Publish(events.EventSessionFinished, map[string]interface{}{
		"processed": 1,
		"failed":    0,
	})

	select {
	case n := <-ch:
		t.Errorf("notification after detach: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}
