package incremental

import (
	"sync"
	"testing"
)

// eventLog records engine events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (x *eventLog) handle(e Event) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = append(x.events, e)
}

func (x *eventLog) all() []Event {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]Event(nil), x.events...)
}

func (x *eventLog) count(kind EventKind, key DatabaseKeyIndex) (n int) {
	for _, e := range x.all() {
		if e.Kind == kind && e.Key == key {
			n++
		}
	}
	return
}

func (x *eventLog) countKind(kind EventKind) (n int) {
	for _, e := range x.all() {
		if e.Kind == kind {
			n++
		}
	}
	return
}

func (x *eventLog) reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = nil
}

func mustPanic(t *testing.T, fn func()) (v any) {
	t.Helper()
	defer func() {
		v = recover()
		if v == nil {
			t.Fatal("expected a panic")
		}
	}()
	fn()
	return
}
