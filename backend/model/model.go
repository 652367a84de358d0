package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

type MessageType string

// Inbound message types that clients send.
const (
	MessageTypeJoin   MessageType = "join"
	MessageTypeLeave  MessageType = "leave"
	MessageTypeStroke MessageType = "stroke"
	MessageTypeCursor MessageType = "cursor"
	MessageTypeChat   MessageType = "chat"
	MessageTypeSync   MessageType = "sync"
)

// Outbound message types that are generated by server.
const (
	MessageTypeUserJoined   MessageType = "user_joined"
	MessageTypeUserLeft     MessageType = "user_left"
	MessageTypeRoomSync     MessageType = "room_sync"
	MessageTypeSyncResponse MessageType = "sync_response"
	MessageTypeError        MessageType = "error"
)

// SystemSender is sender_id of every server-generated envelope.
const SystemSender = "system"

// Error codes carried by error envelopes.
const (
	ErrorCodeRoomFull         = "room_full"
	ErrorCodeAlreadyConnected = "already_connected"
)

const naiveISOLayout = "2006-01-02T15:04:05.999999999"

var (
	ErrMissingType      = errors.New("envelope type is missing")
	ErrInvalidTimestamp = errors.New("invalid envelope timestamp")

	ErrRoomIsFull   = errors.New("room is full")
	ErrRoomNotFound = errors.New("room is not found")
)

// Inbound reports whether clients are allowed to send this type.
func (t MessageType) Inbound() bool {
	switch t {
	case MessageTypeJoin, MessageTypeLeave, MessageTypeStroke,
		MessageTypeCursor, MessageTypeChat, MessageTypeSync:
		return true
	}
	return false
}

// Outbound reports whether this type is produced by server.
func (t MessageType) Outbound() bool {
	switch t {
	case MessageTypeUserJoined, MessageTypeUserLeft, MessageTypeRoomSync,
		MessageTypeSyncResponse, MessageTypeError:
		return true
	}
	return false
}

// Envelope is the unit exchanged between client and server.
// Data is never interpreted for stroke, cursor and chat messages.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	SenderID  string          `json:"sender_id"`
	Timestamp time.Time       `json:"timestamp"`
	RoomCode  string          `json:"room_code,omitempty"`
}

type wireEnvelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	SenderID  string          `json:"sender_id"`
	Timestamp string          `json:"timestamp"`
	RoomCode  *string         `json:"room_code"`
}

// DecodeEnvelope parses incoming text frame. Missing timestamp
// is replaced with the receive time.
func DecodeEnvelope(b []byte, now time.Time) (Envelope, error) {
	var (
		w   wireEnvelope
		env Envelope
	)
	if err := json.Unmarshal(b, &w); err != nil {
		return env, err
	}
	if w.Type == "" {
		return env, ErrMissingType
	}
	env.Type = w.Type
	env.SenderID = w.SenderID
	if w.RoomCode != nil {
		env.RoomCode = *w.RoomCode
	}
	if len(w.Data) > 0 && !bytes.Equal(w.Data, []byte("null")) {
		env.Data = w.Data
	}
	if w.Timestamp == "" {
		env.Timestamp = now.UTC()
		return env, nil
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return env, err
	}
	env.Timestamp = ts
	return env, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation(naiveISOLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, errors.Join(ErrInvalidTimestamp, err)
	}
	return ts, nil
}

// WithRoomCode returns a copy of the envelope stamped with room code.
func (env Envelope) WithRoomCode(code string) Envelope {
	env.RoomCode = code
	return env
}

// NewSystemEnvelope builds server-generated envelope with payload encoded as data.
func NewSystemEnvelope(typ MessageType, roomCode string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      typ,
		Data:      b,
		SenderID:  SystemSender,
		Timestamp: time.Now().UTC(),
		RoomCode:  roomCode,
	}, nil
}

// RoomInfo is a read-only snapshot of a room.
type RoomInfo struct {
	Code             string    `json:"code"`
	Name             string    `json:"name"`
	HostID           string    `json:"host_id"`
	Participants     []string  `json:"participants"`
	CreatedAt        time.Time `json:"created_at"`
	MaxParticipants  int       `json:"max_participants"`
	ParticipantCount int       `json:"participant_count"`
}

func (ri RoomInfo) HasParticipant(userID string) bool {
	for _, p := range ri.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// JoinData is the part of join payload that server understands.
type JoinData struct {
	RoomName string `json:"room_name"`
	UserName string `json:"user_name"`
}

// UserData is the part of leave payload that server understands.
type UserData struct {
	UserName string `json:"user_name"`
}

// Outbound payloads.
type (
	MembershipPayload struct {
		UserID   string   `json:"user_id"`
		UserName string   `json:"user_name"`
		RoomInfo RoomInfo `json:"room_info"`
	}

	SyncPayload struct {
		RoomInfo     RoomInfo `json:"room_info"`
		Participants []string `json:"participants"`
	}

	ErrorPayload struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}
)

// ParseJoinData extracts known join fields, anything unparsable yields empty values.
func ParseJoinData(data json.RawMessage) JoinData {
	var jd JoinData
	if len(data) > 0 {
		_ = json.Unmarshal(data, &jd)
	}
	return jd
}

// ParseUserData extracts user name, anything unparsable yields empty value.
func ParseUserData(data json.RawMessage) UserData {
	var ud UserData
	if len(data) > 0 {
		_ = json.Unmarshal(data, &ud)
	}
	return ud
}

// DefaultUserName derives display name from user id.
func DefaultUserName(userID string) string {
	r := []rune(userID)
	if len(r) > 8 {
		r = r[:8]
	}
	return "User " + string(r)
}

// DefaultRoomName is used when joiner did not provide room name.
func DefaultRoomName(code string) string {
	return "Room " + code
}

// LeaveResult describes outcome of a leave.
// Room holds post-removal snapshot and is meaningful only if Removed is true.
type LeaveResult struct {
	Room    RoomInfo
	Removed bool
	Deleted bool
}

// JoinResult describes outcome of a join.
type JoinResult struct {
	Room RoomInfo

	// Rejoined is true if user already was a participant of this room.
	Rejoined bool

	// Previous is set if user was moved out of another room.
	Previous *LeaveResult
}

// DeliveryError reports envelope that could not be handed to user's wire.
// WireID is empty if user had no registered wire.
type DeliveryError struct {
	UserID string
	WireID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return "delivery to " + e.UserID + " failed: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
