package discussions

import (
	"slices"
	"time"

	"gorm.io/datatypes"
)

// Category classifies a discussion.
type Category string

const (
	CategoryGeneral      Category = "General"
	CategoryAcademic     Category = "Academic"
	CategoryTechnical    Category = "Technical"
	CategorySocial       Category = "Social"
	CategoryAnnouncement Category = "Announcement"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryGeneral, CategoryAcademic, CategoryTechnical, CategorySocial, CategoryAnnouncement:
		return true
	default:
		return false
	}
}

// DiscussionStatus is the moderation state of a discussion. Pin and sticky flags are orthogonal.
type DiscussionStatus string

const (
	DiscussionPending  DiscussionStatus = "pending_approval"
	DiscussionActive   DiscussionStatus = "active"
	DiscussionLocked   DiscussionStatus = "locked"
	DiscussionArchived DiscussionStatus = "archived"
)

// ReplyStatus is the moderation state of a reply.
type ReplyStatus string

const (
	ReplyPending ReplyStatus = "pending_approval"
	ReplyActive  ReplyStatus = "active"
	ReplyHidden  ReplyStatus = "hidden"
	ReplyDeleted ReplyStatus = "deleted"
)

// countedReplyStatuses are the statuses included in a discussion's replyCount.
var countedReplyStatuses = []ReplyStatus{ReplyActive, ReplyPending}

// CountedReplyStatuses returns the reply statuses that contribute to a discussion's replyCount.
func CountedReplyStatuses() []ReplyStatus {
	return slices.Clone(countedReplyStatuses)
}

// EditRecord is one superseded version of a reply's content.
type EditRecord struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
	EditedBy string    `json:"editedBy"`
}

// Discussion is the aggregate root of a course discussion thread.
type Discussion struct {
	ID             string                      `gorm:"column:id;primaryKey;size:64" json:"id"`
	CourseID       string                      `gorm:"column:course_id;size:64;not null;index:idx_discussions_course_activity,priority:1" json:"courseId"`
	Title          string                      `gorm:"column:title;size:200;not null" json:"title"`
	Content        string                      `gorm:"column:content;type:text;not null" json:"content"`
	Category       Category                    `gorm:"column:category;size:32;not null" json:"category"`
	Tags           datatypes.JSONSlice[string] `gorm:"column:tags" json:"tags"`
	Attachments    datatypes.JSON              `gorm:"column:attachments" json:"attachments,omitempty"`
	Links          datatypes.JSON              `gorm:"column:links" json:"links,omitempty"`
	CodeSnippets   datatypes.JSON              `gorm:"column:code_snippets" json:"codeSnippets,omitempty"`
	AuthorID       string                      `gorm:"column:author_id;size:190;not null;index" json:"author"`
	Status         DiscussionStatus            `gorm:"column:status;size:32;not null;index" json:"status"`
	IsPinned       bool                        `gorm:"column:is_pinned;not null;default:false" json:"isPinned"`
	IsSticky       bool                        `gorm:"column:is_sticky;not null;default:false" json:"isSticky"`
	ViewCount      int64                       `gorm:"column:view_count;not null;default:0" json:"viewCount"`
	ReplyCount     int64                       `gorm:"column:reply_count;not null;default:0" json:"replyCount"`
	ApprovedBy     string                      `gorm:"column:approved_by;size:190;not null;default:''" json:"approvedBy,omitempty"`
	ApprovedAt     *time.Time                  `gorm:"column:approved_at" json:"approvedAt,omitempty"`
	DeletedBy      string                      `gorm:"column:deleted_by;size:190;not null;default:''" json:"deletedBy,omitempty"`
	DeletedAt      *time.Time                  `gorm:"column:deleted_at" json:"deletedAt,omitempty"`
	DeletionReason string                      `gorm:"column:deletion_reason;type:text;not null;default:''" json:"deletionReason,omitempty"`
	EditedBy       string                      `gorm:"column:edited_by;size:190;not null;default:''" json:"editedBy,omitempty"`
	EditedAt       *time.Time                  `gorm:"column:edited_at" json:"editedAt,omitempty"`
	LastActivity   time.Time                   `gorm:"column:last_activity;not null;index:idx_discussions_course_activity,priority:2" json:"lastActivity"`
	CreatedAt      time.Time                   `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
	UpdatedAt      time.Time                   `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Discussion) TableName() string {
	return "discussions"
}

// IsPublic reports whether every course member may read the discussion.
func (d Discussion) IsPublic() bool {
	return d.Status == DiscussionActive || d.Status == DiscussionLocked
}

func (d Discussion) clone() Discussion {
	copied := d
	copied.Tags = slices.Clone(d.Tags)
	return copied
}

// Reply is a response within exactly one discussion, optionally threaded under a top-level reply.
type Reply struct {
	ID             string                          `gorm:"column:id;primaryKey;size:64" json:"id"`
	DiscussionID   string                          `gorm:"column:discussion_id;size:64;not null;index:idx_replies_discussion_status,priority:1" json:"discussionId"`
	ParentReplyID  string                          `gorm:"column:parent_reply_id;size:64;not null;default:'';index" json:"parentReply,omitempty"`
	Content        string                          `gorm:"column:content;type:text;not null" json:"content"`
	AuthorID       string                          `gorm:"column:author_id;size:190;not null;index" json:"author"`
	Status         ReplyStatus                     `gorm:"column:status;size:32;not null;index:idx_replies_discussion_status,priority:2" json:"status"`
	Upvotes        datatypes.JSONSlice[string]     `gorm:"column:upvotes" json:"upvotes"`
	Downvotes      datatypes.JSONSlice[string]     `gorm:"column:downvotes" json:"downvotes"`
	IsSolution     bool                            `gorm:"column:is_solution;not null;default:false" json:"isSolution"`
	EditHistory    datatypes.JSONSlice[EditRecord] `gorm:"column:edit_history" json:"editHistory"`
	EditedBy       string                          `gorm:"column:edited_by;size:190;not null;default:''" json:"editedBy,omitempty"`
	EditedAt       *time.Time                      `gorm:"column:edited_at" json:"editedAt,omitempty"`
	Attachments    datatypes.JSON                  `gorm:"column:attachments" json:"attachments,omitempty"`
	ApprovedBy     string                          `gorm:"column:approved_by;size:190;not null;default:''" json:"approvedBy,omitempty"`
	ApprovedAt     *time.Time                      `gorm:"column:approved_at" json:"approvedAt,omitempty"`
	DeletedBy      string                          `gorm:"column:deleted_by;size:190;not null;default:''" json:"deletedBy,omitempty"`
	DeletedAt      *time.Time                      `gorm:"column:deleted_at" json:"deletedAt,omitempty"`
	DeletionReason string                          `gorm:"column:deletion_reason;type:text;not null;default:''" json:"deletionReason,omitempty"`
	CreatedAt      time.Time                       `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
	UpdatedAt      time.Time                       `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Reply) TableName() string {
	return "discussion_replies"
}

// VoteCount is the upvote minus downvote tally.
func (r Reply) VoteCount() int {
	return len(r.Upvotes) - len(r.Downvotes)
}

// Visible reports whether the reply has neither been hidden by a moderator nor deleted.
func (r Reply) Visible() bool {
	return r.Status != ReplyHidden && r.Status != ReplyDeleted
}

func (r Reply) clone() Reply {
	copied := r
	copied.Upvotes = slices.Clone(r.Upvotes)
	copied.Downvotes = slices.Clone(r.Downvotes)
	copied.EditHistory = slices.Clone(r.EditHistory)
	return copied
}
