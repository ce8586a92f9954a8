package realtime

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"
)

const (
	discussionRoomPrefix = "discussion_"
	courseRoomPrefix     = "course_"
)

var (
	// ErrEncoding marks an outbound payload that could not be serialized.
	ErrEncoding = errors.New("realtime: payload encoding failed")
	// ErrMalformedMessage marks an inbound frame that is not a valid JSON envelope.
	ErrMalformedMessage = errors.New("realtime: malformed message")
)

// UnknownMessageTypeError is returned for inbound envelopes whose type is not recognised.
type UnknownMessageTypeError struct {
	Type string
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("realtime: unknown message type %q", e.Type)
}

// DiscussionRoom returns the room carrying live updates for one discussion.
func DiscussionRoom(discussionID string) string {
	return discussionRoomPrefix + discussionID
}

// CourseRoom returns the room carrying live updates for one course.
func CourseRoom(courseID string) string {
	return courseRoomPrefix + courseID
}

// Inbound is the closed set of control messages a client may send.
type Inbound interface {
	inbound()
}

// JoinRoom subscribes the sender to an arbitrary room.
type JoinRoom struct {
	RoomID string
}

// LeaveRoom unsubscribes the sender from a room.
type LeaveRoom struct {
	RoomID string
}

// SubscribeDiscussion is shorthand for joining DiscussionRoom(DiscussionID).
type SubscribeDiscussion struct {
	DiscussionID string
}

// UnsubscribeDiscussion is shorthand for leaving DiscussionRoom(DiscussionID).
type UnsubscribeDiscussion struct {
	DiscussionID string
}

// Ping asks the server for a pong and refreshes liveness.
type Ping struct{}

func (JoinRoom) inbound()              {}
func (LeaveRoom) inbound()             {}
func (SubscribeDiscussion) inbound()   {}
func (UnsubscribeDiscussion) inbound() {}
func (Ping) inbound()                  {}

type inboundEnvelope struct {
	Type         string `json:"type"`
	RoomID       string `json:"roomId"`
	DiscussionID string `json:"discussionId"`
}

// ParseInbound decodes one client frame into its typed message.
func ParseInbound(data []byte) (Inbound, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	roomID := strings.TrimSpace(envelope.RoomID)
	discussionID := strings.TrimSpace(envelope.DiscussionID)

	switch envelope.Type {
	case "join_room":
		if roomID == "" {
			return nil, fmt.Errorf("%w: roomId required", ErrMalformedMessage)
		}
		return JoinRoom{RoomID: roomID}, nil
	case "leave_room":
		if roomID == "" {
			return nil, fmt.Errorf("%w: roomId required", ErrMalformedMessage)
		}
		return LeaveRoom{RoomID: roomID}, nil
	case "subscribe_discussion":
		if discussionID == "" {
			return nil, fmt.Errorf("%w: discussionId required", ErrMalformedMessage)
		}
		return SubscribeDiscussion{DiscussionID: discussionID}, nil
	case "unsubscribe_discussion":
		if discussionID == "" {
			return nil, fmt.Errorf("%w: discussionId required", ErrMalformedMessage)
		}
		return UnsubscribeDiscussion{DiscussionID: discussionID}, nil
	case "ping":
		return Ping{}, nil
	case "":
		return nil, fmt.Errorf("%w: type required", ErrMalformedMessage)
	default:
		return nil, &UnknownMessageTypeError{Type: envelope.Type}
	}
}

// OutboundType discriminates server to client envelopes.
type OutboundType string

const (
	OutboundConnectionEstablished OutboundType = "connection_established"
	OutboundPong                  OutboundType = "pong"
	OutboundUnreadCount           OutboundType = "unread_notifications_count"
	OutboundNotification          OutboundType = "notification"
	OutboundDiscussionUpdate      OutboundType = "discussion_update"
	OutboundNewDiscussion         OutboundType = "new_discussion"
	OutboundError                 OutboundType = "error"
)

// Outbound is the JSON envelope written to clients. Only the fields relevant to Type are set.
type Outbound struct {
	Type         OutboundType    `json:"type"`
	User         *auth.Principal `json:"user,omitempty"`
	Count        *int64          `json:"count,omitempty"`
	Notification any             `json:"notification,omitempty"`
	DiscussionID string          `json:"discussionId,omitempty"`
	UpdateType   string          `json:"updateType,omitempty"`
	Data         any             `json:"data,omitempty"`
	Discussion   any             `json:"discussion,omitempty"`
	Error        string          `json:"error,omitempty"`
	Detail       string          `json:"detail,omitempty"`
	Timestamp    *time.Time      `json:"timestamp,omitempty"`
}

// ConnectionEstablished acknowledges a successful handshake.
func ConnectionEstablished(user auth.Principal) Outbound {
	return Outbound{Type: OutboundConnectionEstablished, User: &user}
}

// Pong answers a client ping.
func Pong(at time.Time) Outbound {
	stamp := at.UTC()
	return Outbound{Type: OutboundPong, Timestamp: &stamp}
}

// UnreadCount reports the recipient's unread notification total.
func UnreadCount(count int64) Outbound {
	return Outbound{Type: OutboundUnreadCount, Count: &count}
}

// NotificationPush carries one freshly persisted notification.
func NotificationPush(notification any) Outbound {
	return Outbound{Type: OutboundNotification, Notification: notification}
}

// DiscussionUpdate describes a change to a discussion or one of its replies.
func DiscussionUpdate(discussionID, updateType string, data any, at time.Time) Outbound {
	stamp := at.UTC()
	return Outbound{
		Type:         OutboundDiscussionUpdate,
		DiscussionID: discussionID,
		UpdateType:   updateType,
		Data:         data,
		Timestamp:    &stamp,
	}
}

// NewDiscussion announces a discussion that became visible in a course.
func NewDiscussion(discussion any, at time.Time) Outbound {
	stamp := at.UTC()
	return Outbound{Type: OutboundNewDiscussion, Discussion: discussion, Timestamp: &stamp}
}

// ErrorReply reports a rejected inbound frame back to its sender.
func ErrorReply(code, detail string) Outbound {
	return Outbound{Type: OutboundError, Error: code, Detail: detail}
}

// Encode serializes an outbound envelope. Failures wrap ErrEncoding.
func Encode(message Outbound) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncoding, message.Type, err)
	}
	return payload, nil
}
