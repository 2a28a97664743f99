package host

import (
	"testing"

	"github.com/chaz8081/nus-bridge/internal/queue"
)

func TestReplyOnClosedSessionFails(t *testing.T) {
	sess := &session{}
	sess.close()
	if sess.reply(Reply{ID: 1, Result: "x"}) {
		t.Error("reply() on closed session = true, want false")
	}
}

func TestLateItemForClosedSessionIsRequeued(t *testing.T) {
	q := queue.New()
	sess := &session{}
	s := &Server{}

	if err := s.poll(sess, Call{ID: 1, Fn: "pollInbound"}, q.Poll, q.Unread); err != nil {
		t.Fatalf("poll() error = %v", err)
	}
	if !q.Pending() {
		t.Fatal("poll() on empty queue did not park a reader")
	}

	// The session ends before its parked reader is cancelled, then an
	// item arrives in between.
	sess.close()
	q.Push("OK")

	item, ok, err := q.Poll(func(string) {})
	if err != nil || !ok || item != "OK" {
		t.Errorf("Poll() after closed session = %q, %v, %v; want %q, true, nil", item, ok, err, "OK")
	}
}

func TestQueuedItemForClosedSessionIsRequeued(t *testing.T) {
	q := queue.New()
	q.Push("first")
	q.Push("second")
	sess := &session{}
	sess.close()
	s := &Server{}

	if err := s.poll(sess, Call{ID: 1, Fn: "pollLog"}, q.Poll, q.Unread); err != nil {
		t.Fatalf("poll() error = %v", err)
	}
	for _, want := range []string{"first", "second"} {
		got, ok := q.TryPop()
		if !ok || got != want {
			t.Errorf("TryPop() = %q, %v; want %q, true", got, ok, want)
		}
	}
}
