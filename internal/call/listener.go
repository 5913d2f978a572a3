package call

import (
	"sync"

	"github.com/pigeon-im/pigeon/internal/rtc"
	"go.uber.org/zap"
)

// Rejection reasons delivered through OnCallRejected.
const (
	RejectReasonBusy    = "busy"
	RejectReasonExpired = "expired"
)

// Events is the listener surface exposed to the UI layer. All fields are
// optional. Callbacks run on machine-internal goroutines and must return
// promptly; a panicking callback is recovered and logged so it never
// interrupts delivery to the other listeners.
type Events struct {
	OnCallStateChanged       func(StateChange)
	OnMuteChanged            func(muted bool)
	OnConnectionStateChanged func(rtc.ConnState)
	OnRemoteMediaReady       func(rtc.RemoteTrack)
	OnCallRejected           func(reason string)
}

// listeners fans machine events out to every registered Events set.
type listeners struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[int]Events
	next int
}

func newListeners(logger *zap.Logger) *listeners {
	return &listeners{logger: logger, subs: make(map[int]Events)}
}

// add registers an Events set and returns its remove function.
func (l *listeners) add(ev Events) func() {
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = ev
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// snapshot copies the current listener set so callbacks run outside the lock.
func (l *listeners) snapshot() []Events {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Events, 0, len(l.subs))
	for _, ev := range l.subs {
		out = append(out, ev)
	}
	return out
}

func (l *listeners) stateChanged(change StateChange) {
	for _, ev := range l.snapshot() {
		if ev.OnCallStateChanged != nil {
			l.safeCall(func() { ev.OnCallStateChanged(change) })
		}
	}
}

func (l *listeners) muteChanged(muted bool) {
	for _, ev := range l.snapshot() {
		if ev.OnMuteChanged != nil {
			l.safeCall(func() { ev.OnMuteChanged(muted) })
		}
	}
}

func (l *listeners) connectionStateChanged(state rtc.ConnState) {
	for _, ev := range l.snapshot() {
		if ev.OnConnectionStateChanged != nil {
			l.safeCall(func() { ev.OnConnectionStateChanged(state) })
		}
	}
}

func (l *listeners) remoteMediaReady(track rtc.RemoteTrack) {
	for _, ev := range l.snapshot() {
		if ev.OnRemoteMediaReady != nil {
			l.safeCall(func() { ev.OnRemoteMediaReady(track) })
		}
	}
}

func (l *listeners) callRejected(reason string) {
	for _, ev := range l.snapshot() {
		if ev.OnCallRejected != nil {
			l.safeCall(func() { ev.OnCallRejected(reason) })
		}
	}
}

func (l *listeners) safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("call listener panicked", zap.Any("panic", r))
		}
	}()
	f()
}
