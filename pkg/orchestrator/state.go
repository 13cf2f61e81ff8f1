// Package orchestrator implements the download state machine: the
// supervisor that drives a single transfer from handshake through
// chunk fan-out, assembly, verification, and finalize, wiring together
// persistence, source adapters, peer selection, resume tokens, the
// event bus, and metrics.
package orchestrator

// State is one value of the download's lifecycle, per the transition
// table: forward-only except for the explicit restart/retry/renewal
// edges.
type State string

const (
	StateIdle               State = "Idle"
	StateHandshake          State = "Handshake"
	StateHandshakeRetry     State = "HandshakeRetry"
	StatePreparingHead      State = "PreparingHead"
	StateHeadBackoff        State = "HeadBackoff"
	StatePreflightStorage   State = "PreflightStorage"
	StateValidatingMetadata State = "ValidatingMetadata"
	StateDownloading        State = "Downloading"
	StatePersistingProgress State = "PersistingProgress"
	StatePaused             State = "Paused"
	StateAwaitingResume     State = "AwaitingResume"
	StateLeaseRenewDue      State = "LeaseRenewDue"
	StateLeaseExpired       State = "LeaseExpired"
	StateRestarting         State = "Restarting"
	StateVerifyingSha       State = "VerifyingSha"
	StateFinalizingIo       State = "FinalizingIo"
	StateCompleted          State = "Completed"
	StateFailed             State = "Failed"
	StateCanceled           State = "Canceled"
)

// terminal reports whether a state has no outgoing edges.
func (s State) terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// edges enumerates the forward transitions named in the state machine;
// Restarting, pause/resume, cancellation, and failure are reachable from
// every non-terminal state and are checked separately rather than listed
// per source state.
var edges = map[State][]State{
	StateIdle:               {StateHandshake},
	StateHandshake:          {StatePreparingHead, StateHandshakeRetry},
	StateHandshakeRetry:     {StateHandshake},
	StatePreparingHead:      {StatePreflightStorage, StateHeadBackoff},
	StateHeadBackoff:        {StatePreparingHead},
	StatePreflightStorage:   {StateValidatingMetadata},
	StateValidatingMetadata: {StateDownloading, StateRestarting},
	StateDownloading:        {StatePersistingProgress, StatePaused, StateLeaseRenewDue, StateLeaseExpired, StateVerifyingSha, StateRestarting},
	StatePersistingProgress: {StateDownloading},
	StatePaused:             {StateAwaitingResume},
	StateAwaitingResume:     {StateDownloading},
	StateLeaseRenewDue:      {StateHandshake},
	StateRestarting:         {StatePreflightStorage},
	StateVerifyingSha:       {StateFinalizingIo},
	StateFinalizingIo:       {StateCompleted},
}

// CanTransition reports whether moving from s to next is a valid edge:
// either a listed forward edge, or one of the three transitions allowed
// from any non-terminal state (Failed and Canceled; Restarting only from
// the states it's explicitly wired from above — ValidatingMetadata, for a
// resume validator found unsafe before the first byte of this run, and
// Downloading, for a validator change detected mid-transfer, e.g. an ETag
// flip or a 200-on-range response).
func CanTransition(s, next State) bool {
	if s.terminal() {
		return false
	}
	if next == StateFailed || next == StateCanceled {
		return true
	}
	for _, e := range edges[s] {
		if e == next {
			return true
		}
	}
	return false
}
