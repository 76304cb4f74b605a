// Package call runs the client side of a call: one state machine per
// pairwise link, driving a WebRTC peer through offer/answer and
// renegotiation.
package call

import (
	"fmt"

	"github.com/weiawesome/wes-io-talk/internal/domain"
)

// State is the lifecycle state of a call link.
type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring_media"
	StateOffering       State = "offering"
	StateAnswering      State = "answering"
	StateConnected      State = "connected"
	StateRenegotiating  State = "renegotiating"
	StateEnded          State = "ended"
	StateFailed         State = "failed"
)

// Role is the side a link holds in the negotiation that set the call up.
// A polite link that rolls back its offer in a glare becomes the answerer;
// renegotiation leaves it unchanged.
type Role string

const (
	RoleNone     Role = ""
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Offering -> Answering is the polite side rolling back its own offer in a
// glare. Connected is only reachable from the two negotiation states and
// from Renegotiating.
var transitions = map[State][]State{
	StateIdle:           {StateAcquiringMedia, StateEnded, StateFailed},
	StateAcquiringMedia: {StateOffering, StateAnswering, StateEnded, StateFailed},
	StateOffering:       {StateAnswering, StateConnected, StateEnded, StateFailed},
	StateAnswering:      {StateConnected, StateEnded, StateFailed},
	StateConnected:      {StateRenegotiating, StateEnded, StateFailed},
	StateRenegotiating:  {StateConnected, StateEnded, StateFailed},
	StateEnded:          nil,
	StateFailed:         nil,
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
	}
	return nil
}

// Transition is reported to state listeners.
type Transition struct {
	From   State
	To     State
	Reason string
	Err    error
}

// Polite reports whether localID is the polite side of a link with
// remoteID: the lower identity yields when both sides offer at once.
func Polite(localID, remoteID string) bool {
	return localID < remoteID
}
