package call

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// The desync reconciler covers the gap between the signaling channel and
// the link layer: the channel is an unordered, at-least-once text relay, so
// an ANSWER can be lost or delayed while the peer session connects anyway.
// Once a ringing outgoing call is old enough and the link reports media
// flowing, link-level truth wins and the call is forced CONNECTED.
//
// One reconciler task runs per call lifetime. It is armed when the call
// enters OUTGOING_RINGING and disarmed, by cancelling its context, on every
// transition that leaves the unconfirmed-outgoing phase.

// armReconcilerLocked starts the reconciler goroutine for the call.
func (m *Machine) armReconcilerLocked(c *activeCall) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelReconcile = cancel
	go m.reconcileLoop(ctx, c.seq)
}

func (m *Machine) reconcileLoop(ctx context.Context, seq uint64) {
	ticker := time.NewTicker(m.timing.ReconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.reconcileOnce(seq) {
				return
			}
		}
	}
}

// reconcileOnce runs a single check and reports whether the loop should
// stop. It stops when the call is gone, confirmed, or no longer in an
// unconfirmed outgoing phase; otherwise it force-confirms only when the
// call age exceeds ConfirmAfter and the session link is established.
func (m *Machine) reconcileOnce(seq uint64) (stop bool) {
	m.mu.Lock()
	c := m.call
	if c == nil || c.seq != seq || c.answered {
		m.mu.Unlock()
		return true
	}
	if m.state != StateOutgoingRinging && m.state != StateConnecting {
		m.mu.Unlock()
		return true
	}
	if time.Since(c.startTime) <= m.timing.ConfirmAfter {
		m.mu.Unlock()
		return false
	}
	if c.session == nil || !c.session.ConnectionState().Established() {
		m.mu.Unlock()
		return false
	}

	// Link says the peer is here but the ANSWER never landed.
	c.answered = true
	peerID := c.peerID
	change := m.transitionLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Warn("call state desync corrected from link state",
		zap.String("peer", peerID))
	m.notifyStates([]StateChange{change})
	return true
}
