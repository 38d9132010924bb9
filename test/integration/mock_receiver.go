package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/escalate/internal/notify"
)

// MockReceiver is an HTTP test server standing in for the notification
// webhook. It records every notification it accepts and can be switched to
// fail.
type MockReceiver struct {
	server *httptest.Server

	mu       sync.RWMutex
	status   int
	delay    time.Duration
	received []RecordedNotification
	attempts int
}

// RecordedNotification captures one delivered notification.
type RecordedNotification struct {
	notify.Notification
	Headers    http.Header
	ReceivedAt time.Time
}

func newMockReceiver(t *testing.T) *MockReceiver {
	t.Helper()
	mr := &MockReceiver{status: http.StatusAccepted}
	mr.server = httptest.NewServer(http.HandlerFunc(mr.handle))
	t.Cleanup(mr.server.Close)
	return mr
}

// URL returns the webhook URL.
func (mr *MockReceiver) URL() string {
	return mr.server.URL + "/notifications"
}

// RespondWith makes every following delivery answer with status.
func (mr *MockReceiver) RespondWith(status int) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.status = status
}

// RespondWithDelay delays every following delivery.
func (mr *MockReceiver) RespondWithDelay(d time.Duration) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.delay = d
}

// Notifications returns the accepted notifications in arrival order.
func (mr *MockReceiver) Notifications() []RecordedNotification {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make([]RecordedNotification, len(mr.received))
	copy(out, mr.received)
	return out
}

// NotificationsFor returns the accepted notifications addressed to userID.
func (mr *MockReceiver) NotificationsFor(userID string) []RecordedNotification {
	var out []RecordedNotification
	for _, n := range mr.Notifications() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// Attempts counts every request, accepted or not.
func (mr *MockReceiver) Attempts() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.attempts
}

func (mr *MockReceiver) handle(w http.ResponseWriter, r *http.Request) {
	mr.mu.Lock()
	mr.attempts++
	status, delay := mr.status, mr.delay
	mr.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	body, _ := io.ReadAll(r.Body)
	if status >= 300 {
		w.WriteHeader(status)
		return
	}

	var n notify.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	mr.mu.Lock()
	mr.received = append(mr.received, RecordedNotification{
		Notification: n,
		Headers:      r.Header.Clone(),
		ReceivedAt:   time.Now(),
	})
	mr.mu.Unlock()
	w.WriteHeader(status)
}
