// Package alerts is an optional, best-effort desktop notification sink for
// recorded conflicts. It listens on the in-process event bus's
// conflict.recorded topic; it does not consume the Arbitrator's
// alert.conflict-escalated bus message, which is published regardless of
// whether any sink is listening.
//
// Adapted from the teacher's internal/notifications.ToastNotifier, trimmed
// to the single alert this system raises (a recorded conflict) and
// pointed at the Coordination Core's own HTTP surface instead of a
// dashboard URL.
package alerts

import (
	"fmt"
	"runtime"

	"github.com/go-toast/toast"

	"github.com/CLIAIMONITOR/coordcore/internal/events"
	"github.com/CLIAIMONITOR/coordcore/internal/logging"
)

// ConflictNotifier shows a Windows toast when a conflict is recorded. On
// any other platform every method is a no-op; IsSupported reports this so
// callers can skip subscribing entirely.
type ConflictNotifier struct {
	appID  string
	apiURL string
	log    *logging.Logger
}

func NewConflictNotifier(appID, apiURL string, log *logging.Logger) *ConflictNotifier {
	if appID == "" {
		appID = "coordcore"
	}
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	return &ConflictNotifier{appID: appID, apiURL: apiURL, log: log}
}

// IsSupported reports whether this platform can actually show a toast.
func (n *ConflictNotifier) IsSupported() bool {
	return runtime.GOOS == "windows"
}

// Watch subscribes to the event bus's conflict-recorded topic and raises a
// toast for each one for as long as that subscription channel stays open;
// it takes no context and has no other way to stop. Runs in the caller's goroutine;
// callers that want this non-blocking should `go n.Watch(...)`.
func (n *ConflictNotifier) Watch(evBus *events.Bus) {
	if !n.IsSupported() {
		n.log.Println("desktop alerts requested but unsupported on this platform, skipping")
		return
	}
	ch := evBus.Subscribe(events.TopicConflictRecorded)
	for ev := range ch {
		taskID, _ := ev.Payload["taskId"].(string)
		if err := n.notify(taskID); err != nil {
			n.log.Printf("desktop alert: %v", err)
		}
	}
}

func (n *ConflictNotifier) notify(taskID string) error {
	message := fmt.Sprintf("Conflict recorded on task %s", taskID)
	if taskID == "" {
		message = "A conflict was recorded and needs arbitration"
	}
	notification := toast.Notification{
		AppID:   n.appID,
		Title:   "Conflict needs attention",
		Message: message,
		Audio:   toast.IM,
		Actions: []toast.Action{
			{Type: "protocol", Label: "Open API", Arguments: n.apiURL},
		},
	}
	return notification.Push()
}
