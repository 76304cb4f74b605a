package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateIdentity(t *testing.T) {
	assert.NoError(t, ValidateIdentity("u1"))
	assert.NoError(t, ValidateIdentity("64b7f0c2a1e4b5d6c7e8f901"))
	assert.NoError(t, ValidateIdentity("jane.doe@example.com"))

	for _, bad := range []string{"", "group", "a_b", "-lead", "has space", "a:b", strings.Repeat("x", MaxIdentityLength+1)} {
		assert.ErrorIs(t, ValidateIdentity(bad), ErrValidation, bad)
	}
}

func TestValidateRoomID(t *testing.T) {
	assert.NoError(t, ValidateRoomID("u1_u2"))
	assert.NoError(t, ValidateRoomID("group_01HZX"))
	assert.ErrorIs(t, ValidateRoomID(""), ErrValidation)
	assert.ErrorIs(t, ValidateRoomID("a b"), ErrValidation)
	assert.ErrorIs(t, ValidateRoomID("chat:room"), ErrValidation)
}

func TestValidateMessage(t *testing.T) {
	ok := &ChatMessage{RoomID: "u1_u2", SenderID: "u1", SenderRole: RoleCandidate, Message: "hi"}
	assert.NoError(t, ValidateMessage(ok, 10))

	gifOnly := &ChatMessage{RoomID: "u1_u2", SenderID: "u1", SenderRole: RoleRecruiter, Gif: "https://g/1.gif"}
	assert.NoError(t, ValidateMessage(gifOnly, 10))

	fileOnly := &ChatMessage{RoomID: "u1_u2", SenderID: "u1", SenderRole: RoleRecruiter, FileURL: "/f/a.pdf", FileName: "a.pdf"}
	assert.NoError(t, ValidateMessage(fileOnly, 10))

	cases := map[string]*ChatMessage{
		"empty":     {RoomID: "u1_u2", SenderID: "u1", SenderRole: RoleCandidate},
		"role":      {RoomID: "u1_u2", SenderID: "u1", SenderRole: "admin", Message: "x"},
		"sender":    {RoomID: "u1_u2", SenderID: "", SenderRole: RoleCandidate, Message: "x"},
		"room":      {RoomID: "", SenderID: "u1", SenderRole: RoleCandidate, Message: "x"},
		"too long":  {RoomID: "u1_u2", SenderID: "u1", SenderRole: RoleCandidate, Message: strings.Repeat("x", 11)},
		"orphan fn": {RoomID: "u1_u2", SenderID: "u1", SenderRole: RoleCandidate, Message: "x", FileName: "a.pdf"},
	}
	for name, m := range cases {
		assert.ErrorIs(t, ValidateMessage(m, 10), ErrValidation, name)
	}
}

func TestPreviewAndClone(t *testing.T) {
	m := &ChatMessage{Gif: "g", ReadBy: map[string]bool{"u2": true}}
	assert.Equal(t, "[gif]", m.Preview())

	c := m.Clone()
	c.ReadBy["u3"] = true
	assert.Len(t, m.ReadBy, 1)

	m = &ChatMessage{FileURL: "/x", FileName: "cv.pdf"}
	assert.Equal(t, "cv.pdf", m.Preview())
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, ErrCodeBadRequest, ErrorCode(fmt.Errorf("wrap: %w", ErrValidation)))
	assert.Equal(t, ErrCodeForbidden, ErrorCode(ErrForbidden))
	assert.Equal(t, ErrCodeCallFull, ErrorCode(ErrCallFull))
	assert.Equal(t, ErrCodeInternalError, ErrorCode(errors.New("boom")))
	assert.True(t, Retryable(fmt.Errorf("db: %w", ErrUnavailable)))
	assert.False(t, Retryable(ErrValidation))

	em := ErrorMessageFor(fmt.Errorf("append: %w", ErrUnavailable), "c-1")
	assert.Equal(t, ErrCodeUnavailable, em.Code)
	assert.Equal(t, "c-1", em.ClientMsgID)
	assert.True(t, em.Retryable)
}

func TestTopologyAndKeys(t *testing.T) {
	top, err := ParseTopology("interview")
	assert.NoError(t, err)
	assert.Equal(t, TopologyInterview, top)
	_, err = ParseTopology("webinar")
	assert.ErrorIs(t, err, ErrValidation)

	assert.NotEqual(t, CallKey(TopologyDirect, "r1"), CallKey(TopologyGroup, "r1"))
	assert.Equal(t, 2, TopologyDirect.MaxParticipants())
	assert.Equal(t, 0, TopologyConference.MaxParticipants())

	assert.Equal(t, CallEnded, StateFor(0))
	assert.Equal(t, CallWaiting, StateFor(1))
	assert.Equal(t, CallActive, StateFor(3))
}

func TestSessionRoomsAndCalls(t *testing.T) {
	s := NewSession("c1")
	assert.True(t, s.JoinRoom("b"))
	assert.False(t, s.JoinRoom("b"))
	assert.True(t, s.JoinRoom("a"))
	assert.Equal(t, []string{"a", "b"}, s.Rooms())
	assert.True(t, s.LeaveRoom("a"))
	assert.False(t, s.LeaveRoom("a"))

	ref := CallRef{Topology: TopologyDirect, CallID: "u1_u2"}
	assert.True(t, s.JoinCall(ref))
	assert.True(t, s.InCall(ref))
	assert.Equal(t, []CallRef{ref}, s.Calls())
	assert.True(t, s.LeaveCall(ref))
	assert.Empty(t, s.Calls())
}
