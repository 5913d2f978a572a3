// Package call implements the call-signaling state machine. Negotiation
// messages ride as tagged envelopes inside the ordinary message channel;
// the machine consumes the inbound ones, drives at most one call at a time
// and emits outbound envelopes through the sync engine's send path.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/rtc"
	"github.com/pigeon-im/pigeon/internal/wire"
	"go.uber.org/zap"
)

// signalSendTimeout bounds fire-and-forget envelope sends.
const signalSendTimeout = 15 * time.Second

// SignalSender is the outbound signaling path. The sync engine implements
// it; envelopes travel the message channel without being stored as visible
// messages.
type SignalSender interface {
	SendSignal(ctx context.Context, peerID string, env wire.SignalEnvelope) error
}

// Timing groups the machine's timer durations so tests can compress them.
type Timing struct {
	// Ring is how long an incoming invitation rings before auto-reject.
	Ring time.Duration
	// Grace is how long the machine parks in ENDED before clearing to IDLE.
	Grace time.Duration
	// ReconcileEvery is the desync reconciler tick while a call is ringing
	// out unconfirmed.
	ReconcileEvery time.Duration
	// ConfirmAfter is the minimum call age before link-level state alone
	// may confirm a call the signaling channel has not confirmed.
	ConfirmAfter time.Duration
}

// DefaultTiming returns the production timer values.
func DefaultTiming() Timing {
	return Timing{
		Ring:           30 * time.Second,
		Grace:          3 * time.Second,
		ReconcileEvery: 2 * time.Second,
		ConfirmAfter:   10 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	def := DefaultTiming()
	if t.Ring <= 0 {
		t.Ring = def.Ring
	}
	if t.Grace <= 0 {
		t.Grace = def.Grace
	}
	if t.ReconcileEvery <= 0 {
		t.ReconcileEvery = def.ReconcileEvery
	}
	if t.ConfirmAfter <= 0 {
		t.ConfirmAfter = def.ConfirmAfter
	}
	return t
}

// activeCall is the single in-memory call record. It exists from
// InitiateCall or an inbound OFFER until the terminal transition completes,
// and is never persisted.
type activeCall struct {
	seq       uint64
	peerID    string
	direction Direction
	startTime time.Time
	session   rtc.Session

	// pendingOffer holds the remote SDP until AnswerCall consumes it.
	pendingOffer string
	// pendingCandidates queue remote candidates that outran AnswerCall.
	pendingCandidates []string
	// answered flips once an ANSWER is observed or the reconciler forces
	// the call confirmed.
	answered bool

	ringTimer       *time.Timer
	graceTimer      *time.Timer
	cancelReconcile context.CancelFunc
}

func (c *activeCall) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *activeCall) stopGraceTimer() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

func (c *activeCall) stopReconciler() {
	if c.cancelReconcile != nil {
		c.cancelReconcile()
		c.cancelReconcile = nil
	}
}

// Machine is the call signaling state machine. It owns the Call record;
// nothing else mutates it. Inbound envelopes arrive through HandleSignal,
// outbound ones leave through the SignalSender.
type Machine struct {
	dialer    rtc.Dialer
	signals   SignalSender
	bus       *bus.Bus
	logger    *zap.Logger
	timing    Timing
	listeners *listeners

	mu    sync.Mutex
	state State
	call  *activeCall
	seq   uint64
}

// NewMachine creates a machine in IDLE. Zero Timing fields fall back to
// DefaultTiming values.
func NewMachine(dialer rtc.Dialer, signals SignalSender, b *bus.Bus, logger *zap.Logger, timing Timing) *Machine {
	return &Machine{
		dialer:    dialer,
		signals:   signals,
		bus:       b,
		logger:    logger,
		timing:    timing.withDefaults(),
		listeners: newListeners(logger),
		state:     StateIdle,
	}
}

// AddListener registers a listener set and returns its remove function.
func (m *Machine) AddListener(ev Events) func() {
	return m.listeners.add(ev)
}

// Current returns the current signaling state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActivePeer returns the peer of the active call, or "" when idle.
func (m *Machine) ActivePeer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil {
		return ""
	}
	return m.call.peerID
}

// InitiateCall places an outgoing call: builds a peer session, produces the
// offer, transitions to OUTGOING_RINGING and sends the OFFER envelope.
// Offer construction failures leave the machine in IDLE; a send failure
// tears the ringing call down. Both propagate to the caller.
func (m *Machine) InitiateCall(ctx context.Context, peerID string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyInCall
	}
	m.seq++
	seq := m.seq

	session, err := m.dialer.NewSession(m.sessionHandlers(seq))
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPeerSession, err)
	}
	offer, err := session.CreateOffer(ctx)
	if err != nil {
		_ = session.Close()
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPeerSession, err)
	}

	c := &activeCall{
		seq:       seq,
		peerID:    peerID,
		direction: DirectionOutgoing,
		startTime: time.Now(),
		session:   session,
	}
	m.call = c
	changes := []StateChange{m.transitionLocked(StateOutgoingRinging)}
	m.armReconcilerLocked(c)
	m.mu.Unlock()
	m.notifyStates(changes)

	env := wire.SignalEnvelope{Type: wire.SignalOffer, Payload: offer}
	if err := m.signals.SendSignal(ctx, peerID, env); err != nil {
		m.logger.Warn("offer send failed", zap.String("peer", peerID), zap.Error(err))
		m.teardown(seq, teardownImmediate)
		return fmt.Errorf("sending offer: %w", err)
	}
	m.logger.Info("outgoing call ringing", zap.String("peer", peerID))
	return nil
}

// AnswerCall accepts the ringing incoming invitation: cancels the ring
// timer, builds a session from the stored offer, transitions to CONNECTED
// and sends the ANSWER envelope. Construction or send failure tears the
// call down and propagates.
func (m *Machine) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIncomingRinging || m.call == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	c := m.call
	c.stopRingTimer()

	session, err := m.dialer.NewSession(m.sessionHandlers(c.seq))
	var answer string
	if err == nil {
		c.session = session
		answer, err = session.CreateAnswer(ctx, c.pendingOffer)
	}
	if err != nil {
		changes := m.endLocked(teardownImmediate)
		m.mu.Unlock()
		m.notifyStates(changes)
		return fmt.Errorf("%w: %w", ErrPeerSession, err)
	}
	c.pendingOffer = ""

	// Candidates that outran the answer were queued against the pending
	// call; the session has its remote description now.
	for _, cand := range c.pendingCandidates {
		if err := session.AddRemoteCandidate(cand); err != nil {
			m.logger.Warn("queued candidate rejected", zap.Error(err))
		}
	}
	c.pendingCandidates = nil

	c.answered = true
	peerID := c.peerID
	seq := c.seq
	changes := []StateChange{m.transitionLocked(StateConnected)}
	m.mu.Unlock()
	m.notifyStates(changes)

	env := wire.SignalEnvelope{Type: wire.SignalAnswer, Payload: answer}
	if err := m.signals.SendSignal(ctx, peerID, env); err != nil {
		m.logger.Warn("answer send failed", zap.String("peer", peerID), zap.Error(err))
		m.teardown(seq, teardownImmediate)
		return fmt.Errorf("sending answer: %w", err)
	}
	m.logger.Info("incoming call answered", zap.String("peer", peerID))
	return nil
}

// RejectCall declines the ringing incoming invitation with a best-effort
// HANG_UP and clears straight to IDLE.
func (m *Machine) RejectCall() error {
	m.mu.Lock()
	if m.state != StateIncomingRinging || m.call == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	peerID := m.call.peerID
	changes := m.endLocked(teardownDirect)
	m.mu.Unlock()

	m.logger.Info("incoming call rejected", zap.String("peer", peerID))
	m.sendBestEffort(peerID, wire.SignalEnvelope{Type: wire.SignalHangUp})
	m.notifyStates(changes)
	return nil
}

// EndCall hangs up the active call from any non-idle state. The HANG_UP
// envelope is best-effort and never blocks the transition; EndCall always
// succeeds.
func (m *Machine) EndCall() error {
	m.mu.Lock()
	if m.call == nil || m.state == StateIdle || m.state == StateEnded {
		m.mu.Unlock()
		return nil
	}
	peerID := m.call.peerID
	changes := m.endLocked(teardownGraceful)
	m.mu.Unlock()

	m.logger.Info("call ended locally", zap.String("peer", peerID))
	m.sendBestEffort(peerID, wire.SignalEnvelope{Type: wire.SignalHangUp})
	m.notifyStates(changes)
	return nil
}

// ToggleMute flips the outbound-audio flag on the active session and
// reports the new value. No state transition.
func (m *Machine) ToggleMute() (bool, error) {
	m.mu.Lock()
	if m.call == nil || m.call.session == nil {
		m.mu.Unlock()
		return false, ErrNoActiveCall
	}
	muted := !m.call.session.Muted()
	m.call.session.SetMuted(muted)
	m.mu.Unlock()

	m.listeners.muteChanged(muted)
	return muted, nil
}

// HandleSignal is the single entry point for classified inbound signal
// envelopes. The sync engine calls it synchronously during a poll pass, in
// arrival order. It never returns an error; failures are contained here.
func (m *Machine) HandleSignal(peerID string, env wire.SignalEnvelope) {
	switch env.Type {
	case wire.SignalOffer:
		m.handleOffer(peerID, env.Payload)
	case wire.SignalAnswer:
		m.handleAnswer(peerID, env.Payload)
	case wire.SignalICECandidate:
		m.handleCandidate(peerID, env.Payload)
	case wire.SignalHangUp:
		m.handleRemoteEnd(peerID, "")
	case wire.SignalBusy:
		m.handleRemoteEnd(peerID, RejectReasonBusy)
	default:
		m.logger.Warn("unknown signal type", zap.String("type", env.Type), zap.String("peer", peerID))
	}
}

// handleOffer rings an incoming invitation, or replies BUSY when any call
// already exists. An offer never preempts, not even from the active peer.
func (m *Machine) handleOffer(peerID, offerSDP string) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		m.logger.Info("busy, declining offer", zap.String("peer", peerID))
		m.sendBestEffort(peerID, wire.SignalEnvelope{Type: wire.SignalBusy})
		return
	}
	m.seq++
	c := &activeCall{
		seq:          m.seq,
		peerID:       peerID,
		direction:    DirectionIncoming,
		startTime:    time.Now(),
		pendingOffer: offerSDP,
	}
	m.call = c
	changes := []StateChange{m.transitionLocked(StateIncomingRinging)}
	m.armRingTimerLocked(c)
	m.mu.Unlock()

	m.logger.Info("incoming call ringing", zap.String("peer", peerID))
	m.notifyStates(changes)
}

// handleAnswer confirms an outgoing call. Answers from anyone but the
// active peer, or in any state other than OUTGOING_RINGING/CONNECTING, are
// ignored.
func (m *Machine) handleAnswer(peerID, answerSDP string) {
	m.mu.Lock()
	c := m.call
	state := m.state
	if c == nil || c.peerID != peerID || (state != StateOutgoingRinging && state != StateConnecting) {
		m.mu.Unlock()
		m.logger.Info("answer ignored",
			zap.String("peer", peerID), zap.String("state", string(state)))
		return
	}
	if err := c.session.AcceptAnswer(answerSDP); err != nil {
		changes := m.endLocked(teardownImmediate)
		m.mu.Unlock()
		m.logger.Error("accepting answer failed", zap.String("peer", peerID), zap.Error(err))
		m.notifyStates(changes)
		return
	}
	c.answered = true
	c.stopReconciler()
	changes := []StateChange{m.transitionLocked(StateConnected)}
	m.mu.Unlock()

	m.logger.Info("call connected", zap.String("peer", peerID))
	m.notifyStates(changes)
}

// handleCandidate forwards a remote candidate to the active session, or
// queues it while the incoming call has no session yet. Candidates for
// unknown calls are dropped.
func (m *Machine) handleCandidate(peerID, candidate string) {
	m.mu.Lock()
	c := m.call
	if c == nil || c.peerID != peerID {
		m.mu.Unlock()
		m.logger.Debug("candidate for unknown call ignored", zap.String("peer", peerID))
		return
	}
	if c.session == nil {
		c.pendingCandidates = append(c.pendingCandidates, candidate)
		m.mu.Unlock()
		return
	}
	session := c.session
	m.mu.Unlock()

	if err := session.AddRemoteCandidate(candidate); err != nil {
		m.logger.Warn("remote candidate rejected", zap.String("peer", peerID), zap.Error(err))
	}
}

// handleRemoteEnd force-terminates on HANG_UP or BUSY from the matching
// peer; anything else is a no-op. A non-empty reason additionally fires
// OnCallRejected, exactly once per call.
func (m *Machine) handleRemoteEnd(peerID, reason string) {
	m.mu.Lock()
	c := m.call
	if c == nil || c.peerID != peerID || m.state == StateEnded {
		m.mu.Unlock()
		m.logger.Debug("remote hang-up ignored", zap.String("peer", peerID))
		return
	}
	changes := m.endLocked(teardownGraceful)
	m.mu.Unlock()

	m.logger.Info("call ended by peer", zap.String("peer", peerID), zap.String("reason", reason))
	m.notifyStates(changes)
	if reason != "" {
		m.listeners.callRejected(reason)
	}
}

// Close tears down any active call so the daemon can stop cleanly.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.call == nil {
		m.mu.Unlock()
		return
	}
	peerID := m.call.peerID
	changes := m.endLocked(teardownDirect)
	m.mu.Unlock()

	m.sendBestEffort(peerID, wire.SignalEnvelope{Type: wire.SignalHangUp})
	m.notifyStates(changes)
}

// teardownMode selects how a call leaves the machine.
type teardownMode int

const (
	// teardownGraceful parks in ENDED and settles to IDLE after the grace
	// delay, giving the UI a terminal frame.
	teardownGraceful teardownMode = iota
	// teardownImmediate passes through ENDED and settles in IDLE now, used
	// on failures that must leave the machine callable again.
	teardownImmediate
	// teardownDirect clears straight to IDLE with no ENDED stop.
	teardownDirect
)

// endLocked releases the active call: all timers cancelled synchronously,
// reconciler disarmed, session closed. Returns the listener changes in
// transition order.
func (m *Machine) endLocked(mode teardownMode) []StateChange {
	c := m.call
	if c == nil {
		return nil
	}
	c.stopRingTimer()
	c.stopGraceTimer()
	c.stopReconciler()
	if c.session != nil {
		_ = c.session.Close()
	}

	var changes []StateChange
	switch mode {
	case teardownGraceful:
		changes = append(changes, m.transitionLocked(StateEnded))
		m.armGraceTimerLocked(c)
	case teardownImmediate:
		changes = append(changes,
			m.transitionLocked(StateEnded),
			m.transitionLocked(StateIdle))
		m.call = nil
	case teardownDirect:
		changes = append(changes, m.transitionLocked(StateIdle))
		m.call = nil
	}
	return changes
}

// teardown is the unlocked wrapper used after a failed send. The seq guard
// keeps it from touching a newer call.
func (m *Machine) teardown(seq uint64, mode teardownMode) {
	m.mu.Lock()
	if m.call == nil || m.call.seq != seq {
		m.mu.Unlock()
		return
	}
	changes := m.endLocked(mode)
	m.mu.Unlock()
	m.notifyStates(changes)
}

// transitionLocked moves to the target state, publishes call.state_changed
// and returns the listener payload. Callers check preconditions; a table
// violation here is a bug and gets logged.
func (m *Machine) transitionLocked(to State) StateChange {
	if !canTransition(m.state, to) {
		m.logger.Error("illegal call transition",
			zap.String("from", string(m.state)), zap.String("to", string(to)))
	}
	m.state = to
	change := StateChange{State: to}
	if m.call != nil {
		change.PeerID = m.call.peerID
	}
	m.bus.Publish(bus.Event{Kind: "call.state_changed", Timestamp: time.Now(), Payload: change})
	return change
}

func (m *Machine) notifyStates(changes []StateChange) {
	for _, change := range changes {
		m.listeners.stateChanged(change)
	}
}

func (m *Machine) armRingTimerLocked(c *activeCall) {
	seq := c.seq
	c.ringTimer = time.AfterFunc(m.timing.Ring, func() { m.onRingTimeout(seq) })
}

// onRingTimeout auto-rejects an invitation nobody answered. The seq and
// state guards cover the race with AnswerCall stopping the timer.
func (m *Machine) onRingTimeout(seq uint64) {
	m.mu.Lock()
	c := m.call
	if c == nil || c.seq != seq || m.state != StateIncomingRinging {
		m.mu.Unlock()
		return
	}
	peerID := c.peerID
	changes := m.endLocked(teardownDirect)
	m.mu.Unlock()

	m.logger.Info("incoming call expired", zap.String("peer", peerID))
	m.sendBestEffort(peerID, wire.SignalEnvelope{Type: wire.SignalHangUp})
	m.listeners.callRejected(RejectReasonExpired)
	m.notifyStates(changes)
}

func (m *Machine) armGraceTimerLocked(c *activeCall) {
	seq := c.seq
	c.graceTimer = time.AfterFunc(m.timing.Grace, func() { m.onGraceElapsed(seq) })
}

func (m *Machine) onGraceElapsed(seq uint64) {
	m.mu.Lock()
	if m.call == nil || m.call.seq != seq || m.state != StateEnded {
		m.mu.Unlock()
		return
	}
	change := m.transitionLocked(StateIdle)
	m.call = nil
	m.mu.Unlock()
	m.notifyStates([]StateChange{change})
}

// sessionHandlers builds the rtc callback set for the call with the given
// seq. Callbacks arrive on session goroutines; every one re-validates the
// call before acting.
func (m *Machine) sessionHandlers(seq uint64) rtc.Handlers {
	return rtc.Handlers{
		OnConnectionState: func(st rtc.ConnState) { m.onConnectionState(seq, st) },
		OnLocalCandidate:  func(cand string) { m.onLocalCandidate(seq, cand) },
		OnRemoteTrack:     func(tr rtc.RemoteTrack) { m.onRemoteTrack(seq, tr) },
	}
}

func (m *Machine) onConnectionState(seq uint64, st rtc.ConnState) {
	m.mu.Lock()
	c := m.call
	if c == nil || c.seq != seq {
		m.mu.Unlock()
		return
	}
	var changes []StateChange
	if st.InProgress() && m.state == StateOutgoingRinging {
		changes = append(changes, m.transitionLocked(StateConnecting))
	}
	m.mu.Unlock()

	m.listeners.connectionStateChanged(st)
	m.notifyStates(changes)
}

func (m *Machine) onLocalCandidate(seq uint64, candidate string) {
	m.mu.Lock()
	c := m.call
	if c == nil || c.seq != seq {
		m.mu.Unlock()
		return
	}
	peerID := c.peerID
	m.mu.Unlock()

	m.sendBestEffort(peerID, wire.SignalEnvelope{Type: wire.SignalICECandidate, Payload: candidate})
}

func (m *Machine) onRemoteTrack(seq uint64, track rtc.RemoteTrack) {
	m.mu.Lock()
	ok := m.call != nil && m.call.seq == seq
	m.mu.Unlock()
	if ok {
		m.listeners.remoteMediaReady(track)
	}
}

// sendBestEffort fires an envelope without blocking the caller. Failures
// are logged and dropped.
func (m *Machine) sendBestEffort(peerID string, env wire.SignalEnvelope) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
		defer cancel()
		if err := m.signals.SendSignal(ctx, peerID, env); err != nil {
			m.logger.Warn("signal send failed",
				zap.String("type", env.Type), zap.String("peer", peerID), zap.Error(err))
		}
	}()
}
