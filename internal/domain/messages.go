package domain

import "encoding/json"

// WebSocket message types from client.
const (
	MsgTypeAuth        = "auth"
	MsgTypeJoinRoom    = "join_room"
	MsgTypeLeaveRoom   = "leave_room"
	MsgTypeSendMessage = "send_message"
	MsgTypeTyping      = "typing"
	MsgTypeMarkRead    = "mark_read"
	MsgTypeCallJoin    = "call_join"
	MsgTypeCallLeave   = "call_leave"
	MsgTypeCallSignal  = "call_signal"
	MsgTypeCallMedia   = "call_media"
	MsgTypePing        = "ping"
)

// WebSocket message types to client. The room and call events double as
// the event types carried between instances.
const (
	MsgTypeAuthResult         = "auth_result"
	MsgTypeRoomJoined         = "room_joined"
	MsgTypeRoomLeft           = "room_left"
	MsgTypeMessageSent        = "message_sent"
	MsgTypeMessageCreated     = "message_created"
	MsgTypeTypingChanged      = "typing_changed"
	MsgTypePresenceChanged    = "presence_changed"
	MsgTypeMessagesRead       = "messages_read"
	MsgTypeCallJoined         = "call_joined"
	MsgTypeCallLeft           = "call_left"
	MsgTypeParticipantJoined  = "participant_joined"
	MsgTypeParticipantLeft    = "participant_left"
	MsgTypeParticipantUpdated = "participant_updated"
	MsgTypeCallEnded          = "call_ended"
	MsgTypeError              = "error"
	MsgTypePong               = "pong"
)

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type JoinRoomMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

type LeaveRoomMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

type SendMessageWS struct {
	Type        string     `json:"type"`
	RoomID      string     `json:"room_id"`
	ClientMsgID string     `json:"client_msg_id,omitempty"`
	SenderRole  SenderRole `json:"sender_role,omitempty"`
	Message     string     `json:"message"`
	Gif         string     `json:"gif,omitempty"`
	FileURL     string     `json:"file_url,omitempty"`
	FileType    string     `json:"file_type,omitempty"`
	FileName    string     `json:"file_name,omitempty"`
}

type TypingMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Typing bool   `json:"typing"`
}

type MarkReadMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

type CallJoinMessage struct {
	Type     string   `json:"type"`
	Topology Topology `json:"topology"`
	CallID   string   `json:"call_id"`
	Name     string   `json:"name,omitempty"`
}

type CallLeaveMessage struct {
	Type     string   `json:"type"`
	Topology Topology `json:"topology"`
	CallID   string   `json:"call_id"`
}

type CallSignalMessage struct {
	Type     string          `json:"type"`
	Topology Topology        `json:"topology"`
	Kind     SignalKind      `json:"kind"`
	CallID   string          `json:"call_id"`
	To       string          `json:"to,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type CallMediaMessage struct {
	Type     string   `json:"type"`
	Topology Topology `json:"topology"`
	CallID   string   `json:"call_id"`
	MediaState
}

// Server -> Client messages

type AuthResultMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	UserID  string `json:"user_id,omitempty"`
	Role    string `json:"role,omitempty"`
	Message string `json:"message,omitempty"`
}

type RoomJoinedMessage struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"room_id"`
	Participants []string        `json:"participants"`
	Online       []PresenceEntry `json:"online"`
	UnreadCount  int             `json:"unread_count"`
}

type RoomLeftMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

type MessageSentMessage struct {
	Type        string       `json:"type"`
	ClientMsgID string       `json:"client_msg_id,omitempty"`
	Message     *ChatMessage `json:"message"`
}

type MessageCreatedMessage struct {
	Type    string       `json:"type"`
	Message *ChatMessage `json:"message"`
}

type TypingChangedMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

type PresenceChangedMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type MessagesReadMessage struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	ReaderID string `json:"reader_id"`
	Count    int    `json:"count"`
}

type CallJoinedMessage struct {
	Type    string       `json:"type"`
	Session *CallSession `json:"session"`
}

type CallLeftMessage struct {
	Type     string   `json:"type"`
	Topology Topology `json:"topology"`
	CallID   string   `json:"call_id"`
}

type ParticipantJoinedMessage struct {
	Type        string           `json:"type"`
	Topology    Topology         `json:"topology"`
	CallID      string           `json:"call_id"`
	Participant *CallParticipant `json:"participant"`
}

type ParticipantLeftMessage struct {
	Type     string   `json:"type"`
	Topology Topology `json:"topology"`
	CallID   string   `json:"call_id"`
	UserID   string   `json:"user_id"`
}

type ParticipantUpdatedMessage struct {
	Type        string           `json:"type"`
	Topology    Topology         `json:"topology"`
	CallID      string           `json:"call_id"`
	Participant *CallParticipant `json:"participant"`
}

type CallSignalOut struct {
	Type string `json:"type"`
	SignalEnvelope
}

type CallEndedMessage struct {
	Type     string   `json:"type"`
	Topology Topology `json:"topology"`
	CallID   string   `json:"call_id"`
	Reason   string   `json:"reason"`
}

type ErrorMessage struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}

// ErrorMessageFor renders err for the client using the shared taxonomy.
func ErrorMessageFor(err error, clientMsgID string) *ErrorMessage {
	msg := NewErrorMessage(ErrorCode(err), err.Error())
	msg.ClientMsgID = clientMsgID
	msg.Retryable = Retryable(err)
	return msg
}
