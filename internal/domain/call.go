package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topology is the shape of a call. Each topology is its own signaling
// namespace.
type Topology string

const (
	TopologyDirect     Topology = "direct"
	TopologyGroup      Topology = "group"
	TopologyConference Topology = "conference"
	TopologyInterview  Topology = "interview"
)

// ParseTopology validates a topology name.
func ParseTopology(s string) (Topology, error) {
	switch t := Topology(s); t {
	case TopologyDirect, TopologyGroup, TopologyConference, TopologyInterview:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown topology %q", ErrValidation, s)
}

// MaxParticipants returns the roster cap, 0 meaning unbounded.
func (t Topology) MaxParticipants() int {
	if t == TopologyDirect {
		return 2
	}
	return 0
}

// CallKey addresses a call's logical channel. Identical call ids under
// different topologies never share a key.
func CallKey(t Topology, callID string) string {
	return "call:" + string(t) + ":" + callID
}

// SignalKind is the kind of a signaling envelope.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalHangup    SignalKind = "hangup"
)

// ParseSignalKind validates a relayable kind.
func ParseSignalKind(s string) (SignalKind, error) {
	switch k := SignalKind(s); k {
	case SignalOffer, SignalAnswer, SignalCandidate, SignalHangup:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown signal kind %q", ErrValidation, s)
}

// SignalEnvelope is the single tagged union carried by the relay for every
// topology. Payload is opaque to the server.
type SignalEnvelope struct {
	Topology Topology        `json:"topology"`
	Kind     SignalKind      `json:"kind"`
	CallID   string          `json:"call_id"`
	From     string          `json:"from"`
	To       string          `json:"to,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// MediaState is the roster-visible state of a participant's tracks.
type MediaState struct {
	Mic           bool `json:"mic"`
	Cam           bool `json:"cam"`
	ScreenSharing bool `json:"screen_sharing"`
}

// CallParticipant is one roster entry.
type CallParticipant struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
	MediaState
}

// CallState is the server-side relay view of a call.
type CallState string

const (
	CallWaiting CallState = "waiting"
	CallActive  CallState = "active"
	CallEnded   CallState = "ended"
)

// CallSession is the relay's view of a call: roster plus state, never the
// negotiated media.
type CallSession struct {
	CallID       string                      `json:"call_id"`
	Topology     Topology                    `json:"topology"`
	Participants map[string]*CallParticipant `json:"participants"`
	State        CallState                   `json:"state"`
	CreatedAt    time.Time                   `json:"created_at"`
}

// StateFor derives the session state from a roster size.
func StateFor(n int) CallState {
	switch {
	case n <= 0:
		return CallEnded
	case n == 1:
		return CallWaiting
	default:
		return CallActive
	}
}

// Call end reasons.
const (
	EndReasonPeerLeft = "peer_left"
	EndReasonHangup   = "hangup"
)
