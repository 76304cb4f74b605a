package domain

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	// DirectRoomSeparator joins the two identities of a direct room. It can
	// never occur inside an identity.
	DirectRoomSeparator = "_"
	// GroupRoomPrefix prefixes generated group room ids.
	GroupRoomPrefix = "group_"

	MaxIdentityLength = 128
	MaxRoomIDLength   = 256
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.@-]*$`)

// SenderRole is the role a message was sent under.
type SenderRole string

const (
	RoleCandidate SenderRole = "candidate"
	RoleRecruiter SenderRole = "recruiter"
	RoleSystem    SenderRole = "system"
)

// Valid reports whether r is a known role.
func (r SenderRole) Valid() bool {
	switch r {
	case RoleCandidate, RoleRecruiter, RoleSystem:
		return true
	}
	return false
}

// ValidateIdentity checks a participant identity.
func ValidateIdentity(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty identity", ErrValidation)
	}
	if len(id) > MaxIdentityLength {
		return fmt.Errorf("%w: identity longer than %d characters", ErrValidation, MaxIdentityLength)
	}
	if !identityPattern.MatchString(id) {
		return fmt.Errorf("%w: malformed identity %q", ErrValidation, id)
	}
	// "group" would make group_<x> ambiguous between a direct and a group room.
	if id+DirectRoomSeparator == GroupRoomPrefix {
		return fmt.Errorf("%w: reserved identity %q", ErrValidation, id)
	}
	return nil
}

// ValidateRoomID checks the shape of a room id without resolving it.
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: empty room id", ErrValidation)
	}
	if len(roomID) > MaxRoomIDLength {
		return fmt.Errorf("%w: room id longer than %d characters", ErrValidation, MaxRoomIDLength)
	}
	if strings.ContainsRune(roomID, ':') || strings.IndexFunc(roomID, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: malformed room id %q", ErrValidation, roomID)
	}
	return nil
}

// IsGroupRoom reports whether roomID was minted for a group.
func IsGroupRoom(roomID string) bool {
	return strings.HasPrefix(roomID, GroupRoomPrefix)
}
