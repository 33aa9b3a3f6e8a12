// Package notify surfaces daemon outcomes as desktop notifications:
// session summaries and failed tasks. Delivery goes through macOS
// osascript; elsewhere the send fails and is logged at debug, never
// propagated.
package notify

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/oweller/taskmill/internal/events"
)

// send is replaced in tests.
var send = Send

// Attach subscribes desktop notifications to processing outcomes:
// finished sessions and failed tasks. Returns an unsubscribe function.
func Attach(bus *events.Bus, logger zerolog.Logger) func() {
	log := logger.With().Str("component", "notify").Logger()

	unsubSession := bus.Subscribe(events.EventSessionFinished, func(ev events.Event) {
		processed, _ := ev.Data["processed"].(int)
		failed, _ := ev.Data["failed"].(int)
		message := fmt.Sprintf("%d tasks processed, %d failed", processed, failed)
		if err := send("Taskmill session finished", message); err != nil {
			log.Debug().Err(err).Msg("notification failed")
		}
	})

	unsubTask := bus.Subscribe(events.EventTaskCompleted, func(ev events.Event) {
		if outcome, _ := ev.Data["outcome"].(string); outcome != "failed" {
			return
		}
		taskID, _ := ev.Data["task_id"].(string)
		reason, _ := ev.Data["error"].(string)
		if err := send("Taskmill task failed", fmt.Sprintf("%s: %s", taskID, reason)); err != nil {
			log.Debug().Err(err).Msg("notification failed")
		}
	})

	return func() {
		unsubSession()
		unsubTask()
	}
}

// Send posts one desktop notification via osascript.
func Send(title, message string) error {
	script := `display notification "` + escape(message) +
		`" with title "` + escape(title) + `" sound name "default"`
	out, err := exec.Command("osascript", "-e", script).CombinedOutput()
	if err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// escape quotes backslashes and double quotes for an AppleScript string
// literal.
func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
