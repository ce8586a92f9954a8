package notifications

import (
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/apperr"
)

// Type enumerates the notification kinds.
type Type string

const (
	TypeReply              Type = "reply"
	TypeMention            Type = "mention"
	TypeUpvote             Type = "upvote"
	TypeDownvote           Type = "downvote"
	TypeSolutionMarked     Type = "solution_marked"
	TypeDiscussionApproved Type = "discussion_approved"
	TypeDiscussionRejected Type = "discussion_rejected"
	TypeModeratorAction    Type = "moderator_action"
	TypeAnnouncement       Type = "announcement"
	TypeCourseUpdate       Type = "course_update"
)

// Valid reports whether t is one of the known kinds.
func (t Type) Valid() bool {
	switch t {
	case TypeReply, TypeMention, TypeUpvote, TypeDownvote, TypeSolutionMarked,
		TypeDiscussionApproved, TypeDiscussionRejected, TypeModeratorAction,
		TypeAnnouncement, TypeCourseUpdate:
		return true
	default:
		return false
	}
}

// Priority orders notifications for display.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Notification is the durable record of something a recipient should be told about.
type Notification struct {
	ID                  string            `gorm:"column:id;primaryKey;size:64" json:"id"`
	RecipientID         string            `gorm:"column:recipient_id;size:190;not null;index:idx_notifications_recipient_state,priority:1" json:"recipientId"`
	SenderID            string            `gorm:"column:sender_id;size:190;not null;default:''" json:"senderId,omitempty"`
	Type                Type              `gorm:"column:type;size:32;not null" json:"type"`
	Title               string            `gorm:"column:title;size:200;not null" json:"title"`
	Message             string            `gorm:"column:message;type:text;not null" json:"message"`
	RelatedDiscussionID string            `gorm:"column:related_discussion_id;size:64;not null;default:''" json:"relatedDiscussion,omitempty"`
	RelatedReplyID      string            `gorm:"column:related_reply_id;size:64;not null;default:''" json:"relatedReply,omitempty"`
	RelatedCourseID     string            `gorm:"column:related_course_id;size:64;not null;default:''" json:"relatedCourse,omitempty"`
	IsRead              bool              `gorm:"column:is_read;not null;default:false;index:idx_notifications_recipient_state,priority:2" json:"isRead"`
	ReadAt              *time.Time        `gorm:"column:read_at" json:"readAt,omitempty"`
	IsArchived          bool              `gorm:"column:is_archived;not null;default:false;index:idx_notifications_recipient_state,priority:3" json:"isArchived"`
	ArchivedAt          *time.Time        `gorm:"column:archived_at" json:"archivedAt,omitempty"`
	Priority            Priority          `gorm:"column:priority;size:16;not null;default:'normal'" json:"priority"`
	ExpiresAt           *time.Time        `gorm:"column:expires_at;index" json:"expiresAt,omitempty"`
	Metadata            datatypes.JSONMap `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt           time.Time         `gorm:"column:created_at;not null;index" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// Expired reports whether the notification has passed its expiry at now.
func (n Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

// Intent describes who should be told what. Content transitions produce intents; Notify turns each
// into exactly one record.
type Intent struct {
	RecipientID         string
	SenderID            string
	Type                Type
	Title               string
	Message             string
	RelatedDiscussionID string
	RelatedReplyID      string
	RelatedCourseID     string
	Priority            Priority
	ExpiresAt           *time.Time
	Metadata            map[string]any
}

func (i Intent) validate() error {
	if strings.TrimSpace(i.RecipientID) == "" {
		return apperr.Validation("notification recipient is required")
	}
	if !i.Type.Valid() {
		return apperr.Validation("unknown notification type %q", i.Type)
	}
	if strings.TrimSpace(i.Title) == "" {
		return apperr.Validation("notification title is required")
	}
	if i.Priority != "" && !i.Priority.Valid() {
		return apperr.Validation("unknown notification priority %q", i.Priority)
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	UnreadOnly      bool
	IncludeArchived bool
	Limit           int
	Offset          int
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func (f ListFilter) normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
