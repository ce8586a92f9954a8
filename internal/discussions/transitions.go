package discussions

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/notifications"
)

// ModerationAction is the verb applied to pending content.
type ModerationAction string

const (
	ActionApprove ModerationAction = "approve"
	ActionReject  ModerationAction = "reject"
)

// VoteType selects the set a vote lands in.
type VoteType string

const (
	VoteUp   VoteType = "upvote"
	VoteDown VoteType = "downvote"
)

// PinAction selects the requested pin state.
type PinAction string

const (
	ActionPin   PinAction = "pin"
	ActionUnpin PinAction = "unpin"
)

const maxTitleLength = 200

// DiscussionDraft is the author supplied content of a new discussion.
type DiscussionDraft struct {
	CourseID     string
	Title        string
	Content      string
	Category     Category
	Tags         []string
	Attachments  datatypes.JSON
	Links        datatypes.JSON
	CodeSnippets datatypes.JSON
}

// DiscussionPatch carries the fields an edit changes; nil fields are left alone.
type DiscussionPatch struct {
	Title    *string
	Content  *string
	Category *Category
	Tags     *[]string
}

// ReplyDraft is the author supplied content of a new reply.
type ReplyDraft struct {
	DiscussionID  string
	ParentReplyID string
	Content       string
	Attachments   datatypes.JSON
}

// DiscussionOutcome is the result of a discussion transition. Changed is false for no-op
// transitions, which callers need not persist.
type DiscussionOutcome struct {
	Discussion Discussion
	Intents    []notifications.Intent
	Changed    bool
}

// ReplyOutcome is the result of a reply transition.
type ReplyOutcome struct {
	Reply   Reply
	Intents []notifications.Intent
	Changed bool
}

func initialDiscussionStatus(author auth.Principal) DiscussionStatus {
	if canModerate(author) {
		return DiscussionActive
	}
	return DiscussionPending
}

func initialReplyStatus(author auth.Principal) ReplyStatus {
	if canModerate(author) {
		return ReplyActive
	}
	return ReplyPending
}

// CreateDiscussion builds a new discussion. Moderators publish directly; everyone else waits for
// approval.
func CreateDiscussion(id string, draft DiscussionDraft, author auth.Principal, now time.Time) (DiscussionOutcome, error) {
	if strings.TrimSpace(author.ID) == "" {
		return DiscussionOutcome{}, apperr.Validation("author is required")
	}
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return DiscussionOutcome{}, apperr.Validation("title is required")
	}
	if len(title) > maxTitleLength {
		return DiscussionOutcome{}, apperr.Validation("title exceeds %d characters", maxTitleLength)
	}
	if strings.TrimSpace(draft.Content) == "" {
		return DiscussionOutcome{}, apperr.Validation("content is required")
	}
	courseID := strings.TrimSpace(draft.CourseID)
	if courseID == "" {
		return DiscussionOutcome{}, apperr.Validation("courseId is required")
	}
	category := draft.Category
	if category == "" {
		category = CategoryGeneral
	}
	if !category.Valid() {
		return DiscussionOutcome{}, apperr.Validation("unknown category %q", draft.Category)
	}

	now = now.UTC()
	discussion := Discussion{
		ID:           id,
		CourseID:     courseID,
		Title:        title,
		Content:      draft.Content,
		Category:     category,
		Tags:         normalizeTags(draft.Tags),
		Attachments:  draft.Attachments,
		Links:        draft.Links,
		CodeSnippets: draft.CodeSnippets,
		AuthorID:     author.ID,
		Status:       initialDiscussionStatus(author),
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return DiscussionOutcome{Discussion: discussion, Changed: true}, nil
}

// CreateReply builds a reply to discussion, threaded under parent when the draft names one.
// The discussion author and the parent reply author are each told, unless they wrote the reply.
func CreateReply(id string, draft ReplyDraft, discussion Discussion, parent *Reply, author auth.Principal, now time.Time) (ReplyOutcome, error) {
	if strings.TrimSpace(author.ID) == "" {
		return ReplyOutcome{}, apperr.Validation("author is required")
	}
	if strings.TrimSpace(draft.Content) == "" {
		return ReplyOutcome{}, apperr.Validation("content is required")
	}
	if strings.TrimSpace(draft.DiscussionID) == "" || draft.DiscussionID != discussion.ID {
		return ReplyOutcome{}, apperr.Validation("a valid discussionId is required")
	}
	if discussion.Status != DiscussionActive {
		return ReplyOutcome{}, apperr.InvalidState("discussion %s is %s and does not accept replies", discussion.ID, discussion.Status)
	}
	parentID := strings.TrimSpace(draft.ParentReplyID)
	if parentID != "" {
		if parent == nil || parent.ID != parentID {
			return ReplyOutcome{}, apperr.NotFound("reply", parentID)
		}
		if parent.DiscussionID != discussion.ID {
			return ReplyOutcome{}, apperr.Validation("parent reply belongs to another discussion")
		}
		if parent.ParentReplyID != "" {
			return ReplyOutcome{}, apperr.Validation("replies may only be nested one level deep")
		}
		if !parent.Visible() {
			return ReplyOutcome{}, apperr.InvalidState("parent reply %s is %s", parent.ID, parent.Status)
		}
	}

	now = now.UTC()
	reply := Reply{
		ID:            id,
		DiscussionID:  discussion.ID,
		ParentReplyID: parentID,
		Content:       draft.Content,
		AuthorID:      author.ID,
		Status:        initialReplyStatus(author),
		Upvotes:       datatypes.JSONSlice[string]{},
		Downvotes:     datatypes.JSONSlice[string]{},
		EditHistory:   datatypes.JSONSlice[EditRecord]{},
		Attachments:   draft.Attachments,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var intents []notifications.Intent
	if discussion.AuthorID != author.ID {
		intents = append(intents, notifications.Intent{
			RecipientID:         discussion.AuthorID,
			SenderID:            author.ID,
			Type:                notifications.TypeReply,
			Title:               "New reply to your discussion",
			Message:             fmt.Sprintf("%s replied to %q", displayName(author), discussion.Title),
			RelatedDiscussionID: discussion.ID,
			RelatedReplyID:      reply.ID,
			RelatedCourseID:     discussion.CourseID,
		})
	}
	if parent != nil && parent.AuthorID != author.ID {
		intents = append(intents, notifications.Intent{
			RecipientID:         parent.AuthorID,
			SenderID:            author.ID,
			Type:                notifications.TypeReply,
			Title:               "New reply to your comment",
			Message:             fmt.Sprintf("%s replied to your comment in %q", displayName(author), discussion.Title),
			RelatedDiscussionID: discussion.ID,
			RelatedReplyID:      reply.ID,
			RelatedCourseID:     discussion.CourseID,
		})
	}
	return ReplyOutcome{Reply: reply, Intents: intents, Changed: true}, nil
}

// ModerateDiscussion approves or rejects a pending discussion.
func ModerateDiscussion(discussion Discussion, action ModerationAction, moderator auth.Principal, reason string, now time.Time) (DiscussionOutcome, error) {
	if !canModerate(moderator) {
		return DiscussionOutcome{}, apperr.Permission("only lecturers and admins may moderate discussions")
	}
	if action != ActionApprove && action != ActionReject {
		return DiscussionOutcome{}, apperr.Validation("unknown moderation action %q", action)
	}
	if discussion.Status != DiscussionPending {
		return DiscussionOutcome{}, apperr.InvalidState("discussion %s is %s, not pending approval", discussion.ID, discussion.Status)
	}

	now = now.UTC()
	updated := discussion.clone()
	updated.UpdatedAt = now
	intent := notifications.Intent{
		RecipientID:         discussion.AuthorID,
		SenderID:            moderator.ID,
		RelatedDiscussionID: discussion.ID,
		RelatedCourseID:     discussion.CourseID,
	}
	if action == ActionApprove {
		updated.Status = DiscussionActive
		updated.ApprovedBy = moderator.ID
		updated.ApprovedAt = &now
		intent.Type = notifications.TypeDiscussionApproved
		intent.Title = "Discussion approved"
		intent.Message = fmt.Sprintf("Your discussion %q is now visible to the course", discussion.Title)
	} else {
		updated.Status = DiscussionArchived
		updated.DeletedBy = moderator.ID
		updated.DeletedAt = &now
		updated.DeletionReason = strings.TrimSpace(reason)
		intent.Type = notifications.TypeDiscussionRejected
		intent.Title = "Discussion rejected"
		intent.Message = rejectionMessage(fmt.Sprintf("Your discussion %q was not approved", discussion.Title), reason)
		intent.Priority = notifications.PriorityHigh
	}
	return DiscussionOutcome{Discussion: updated, Intents: authorIntent(intent, moderator.ID), Changed: true}, nil
}

// ModerateReply approves a pending reply or hides it.
func ModerateReply(reply Reply, action ModerationAction, moderator auth.Principal, reason string, now time.Time) (ReplyOutcome, error) {
	if !canModerate(moderator) {
		return ReplyOutcome{}, apperr.Permission("only lecturers and admins may moderate replies")
	}
	if action != ActionApprove && action != ActionReject {
		return ReplyOutcome{}, apperr.Validation("unknown moderation action %q", action)
	}
	if reply.Status != ReplyPending {
		return ReplyOutcome{}, apperr.InvalidState("reply %s is %s, not pending approval", reply.ID, reply.Status)
	}

	now = now.UTC()
	updated := reply.clone()
	updated.UpdatedAt = now
	intent := notifications.Intent{
		RecipientID:         reply.AuthorID,
		SenderID:            moderator.ID,
		Type:                notifications.TypeModeratorAction,
		RelatedDiscussionID: reply.DiscussionID,
		RelatedReplyID:      reply.ID,
	}
	if action == ActionApprove {
		updated.Status = ReplyActive
		updated.ApprovedBy = moderator.ID
		updated.ApprovedAt = &now
		intent.Title = "Reply approved"
		intent.Message = "Your reply is now visible in the discussion"
	} else {
		updated.Status = ReplyHidden
		updated.DeletedBy = moderator.ID
		updated.DeletedAt = &now
		updated.DeletionReason = strings.TrimSpace(reason)
		intent.Title = "Reply hidden"
		intent.Message = rejectionMessage("Your reply was hidden by a moderator", reason)
	}
	return ReplyOutcome{Reply: updated, Intents: authorIntent(intent, moderator.ID), Changed: true}, nil
}

// SoftDeleteDiscussion archives a discussion with deletion lineage. Deleting an already deleted
// discussion returns it unchanged.
func SoftDeleteDiscussion(discussion Discussion, actor auth.Principal, reason string, now time.Time) (DiscussionOutcome, error) {
	if !canManageContent(actor, discussion.AuthorID) {
		return DiscussionOutcome{}, apperr.Permission("only the author or a moderator may delete this discussion")
	}
	if discussion.DeletedAt != nil {
		return DiscussionOutcome{Discussion: discussion}, nil
	}

	now = now.UTC()
	updated := discussion.clone()
	updated.Status = DiscussionArchived
	updated.ApprovedBy = ""
	updated.ApprovedAt = nil
	updated.DeletedBy = actor.ID
	updated.DeletedAt = &now
	updated.DeletionReason = strings.TrimSpace(reason)
	updated.IsPinned = false
	updated.UpdatedAt = now

	intent := notifications.Intent{
		RecipientID:         discussion.AuthorID,
		SenderID:            actor.ID,
		Type:                notifications.TypeModeratorAction,
		Title:               "Discussion removed",
		Message:             rejectionMessage(fmt.Sprintf("Your discussion %q was removed by a moderator", discussion.Title), reason),
		RelatedDiscussionID: discussion.ID,
		RelatedCourseID:     discussion.CourseID,
	}
	return DiscussionOutcome{Discussion: updated, Intents: authorIntent(intent, actor.ID), Changed: true}, nil
}

// SoftDeleteReply marks a reply deleted. It is never physically removed.
func SoftDeleteReply(reply Reply, actor auth.Principal, reason string, now time.Time) (ReplyOutcome, error) {
	if !canManageContent(actor, reply.AuthorID) {
		return ReplyOutcome{}, apperr.Permission("only the author or a moderator may delete this reply")
	}
	if reply.Status == ReplyDeleted {
		return ReplyOutcome{Reply: reply}, nil
	}

	now = now.UTC()
	updated := reply.clone()
	updated.Status = ReplyDeleted
	updated.ApprovedBy = ""
	updated.ApprovedAt = nil
	updated.DeletedBy = actor.ID
	updated.DeletedAt = &now
	updated.DeletionReason = strings.TrimSpace(reason)
	updated.UpdatedAt = now

	intent := notifications.Intent{
		RecipientID:         reply.AuthorID,
		SenderID:            actor.ID,
		Type:                notifications.TypeModeratorAction,
		Title:               "Reply removed",
		Message:             rejectionMessage("Your reply was removed by a moderator", reason),
		RelatedDiscussionID: reply.DiscussionID,
		RelatedReplyID:      reply.ID,
	}
	return ReplyOutcome{Reply: updated, Intents: authorIntent(intent, actor.ID), Changed: true}, nil
}

// EditReply replaces a reply's content after appending the superseded version to its history.
func EditReply(reply Reply, content string, editor auth.Principal, now time.Time) (ReplyOutcome, error) {
	if !canManageContent(editor, reply.AuthorID) {
		return ReplyOutcome{}, apperr.Permission("only the author or a moderator may edit this reply")
	}
	if strings.TrimSpace(content) == "" {
		return ReplyOutcome{}, apperr.Validation("content is required")
	}
	if reply.Status == ReplyDeleted {
		return ReplyOutcome{}, apperr.InvalidState("reply %s is deleted", reply.ID)
	}

	now = now.UTC()
	updated := reply.clone()
	snapshot := EditRecord{Content: reply.Content, EditedAt: reply.CreatedAt, EditedBy: reply.AuthorID}
	if reply.EditedAt != nil {
		snapshot.EditedAt = *reply.EditedAt
		snapshot.EditedBy = reply.EditedBy
	}
	updated.EditHistory = append(updated.EditHistory, snapshot)
	updated.Content = content
	updated.EditedAt = &now
	updated.EditedBy = editor.ID
	updated.UpdatedAt = now
	return ReplyOutcome{Reply: updated, Changed: true}, nil
}

// EditDiscussion applies patch to a discussion that has not been deleted.
func EditDiscussion(discussion Discussion, patch DiscussionPatch, editor auth.Principal, now time.Time) (DiscussionOutcome, error) {
	if !canManageContent(editor, discussion.AuthorID) {
		return DiscussionOutcome{}, apperr.Permission("only the author or a moderator may edit this discussion")
	}
	if discussion.DeletedAt != nil {
		return DiscussionOutcome{}, apperr.InvalidState("discussion %s is deleted", discussion.ID)
	}

	updated := discussion.clone()
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return DiscussionOutcome{}, apperr.Validation("title is required")
		}
		if len(title) > maxTitleLength {
			return DiscussionOutcome{}, apperr.Validation("title exceeds %d characters", maxTitleLength)
		}
		updated.Title = title
	}
	if patch.Content != nil {
		if strings.TrimSpace(*patch.Content) == "" {
			return DiscussionOutcome{}, apperr.Validation("content is required")
		}
		updated.Content = *patch.Content
	}
	if patch.Category != nil {
		if !patch.Category.Valid() {
			return DiscussionOutcome{}, apperr.Validation("unknown category %q", *patch.Category)
		}
		updated.Category = *patch.Category
	}
	if patch.Tags != nil {
		updated.Tags = normalizeTags(*patch.Tags)
	}

	now = now.UTC()
	updated.EditedAt = &now
	updated.EditedBy = editor.ID
	updated.LastActivity = now
	updated.UpdatedAt = now
	return DiscussionOutcome{Discussion: updated, Changed: true}, nil
}

// Vote records voter's vote of voteType. The voter is first removed from the opposite set, so a
// principal is never in both. Repeating a vote leaves the reply unchanged.
func Vote(reply Reply, voter auth.Principal, voteType VoteType, now time.Time) (ReplyOutcome, error) {
	if strings.TrimSpace(voter.ID) == "" {
		return ReplyOutcome{}, apperr.Validation("voter is required")
	}
	if voteType != VoteUp && voteType != VoteDown {
		return ReplyOutcome{}, apperr.Validation("unknown vote type %q", voteType)
	}
	if !reply.Visible() {
		return ReplyOutcome{}, apperr.InvalidState("reply %s is %s", reply.ID, reply.Status)
	}

	updated := reply.clone()
	target, opposite := &updated.Upvotes, &updated.Downvotes
	notificationType := notifications.TypeUpvote
	if voteType == VoteDown {
		target, opposite = &updated.Downvotes, &updated.Upvotes
		notificationType = notifications.TypeDownvote
	}
	removed := removeMember(opposite, voter.ID)
	added := false
	if !slices.Contains(*target, voter.ID) {
		*target = append(*target, voter.ID)
		added = true
	}
	if !removed && !added {
		return ReplyOutcome{Reply: reply}, nil
	}
	updated.UpdatedAt = now.UTC()

	intent := notifications.Intent{
		RecipientID:         reply.AuthorID,
		SenderID:            voter.ID,
		Type:                notificationType,
		Title:               "New vote on your reply",
		Message:             fmt.Sprintf("%s left a %s on your reply", displayName(voter), voteType),
		RelatedDiscussionID: reply.DiscussionID,
		RelatedReplyID:      reply.ID,
		Priority:            notifications.PriorityLow,
	}
	return ReplyOutcome{Reply: updated, Intents: authorIntent(intent, voter.ID), Changed: true}, nil
}

// Unvote removes voter from both vote sets.
func Unvote(reply Reply, voter auth.Principal, now time.Time) (ReplyOutcome, error) {
	if strings.TrimSpace(voter.ID) == "" {
		return ReplyOutcome{}, apperr.Validation("voter is required")
	}
	updated := reply.clone()
	removedUp := removeMember(&updated.Upvotes, voter.ID)
	removedDown := removeMember(&updated.Downvotes, voter.ID)
	if !removedUp && !removedDown {
		return ReplyOutcome{Reply: reply}, nil
	}
	updated.UpdatedAt = now.UTC()
	return ReplyOutcome{Reply: updated, Changed: true}, nil
}

// MarkSolution flags reply as a solution of discussion. Other solutions in the same discussion
// are left in place.
func MarkSolution(reply Reply, discussion Discussion, actor auth.Principal, now time.Time) (ReplyOutcome, error) {
	if !canMarkSolution(actor, discussion) {
		return ReplyOutcome{}, apperr.Permission("only the discussion author or a moderator may mark a solution")
	}
	if reply.DiscussionID != discussion.ID {
		return ReplyOutcome{}, apperr.Validation("reply belongs to another discussion")
	}
	if !reply.Visible() {
		return ReplyOutcome{}, apperr.InvalidState("reply %s is %s", reply.ID, reply.Status)
	}
	if reply.IsSolution {
		return ReplyOutcome{Reply: reply}, nil
	}

	updated := reply.clone()
	updated.IsSolution = true
	updated.UpdatedAt = now.UTC()
	intent := notifications.Intent{
		RecipientID:         reply.AuthorID,
		SenderID:            actor.ID,
		Type:                notifications.TypeSolutionMarked,
		Title:               "Your reply was marked as a solution",
		Message:             fmt.Sprintf("Your reply in %q was marked as a solution", discussion.Title),
		RelatedDiscussionID: discussion.ID,
		RelatedReplyID:      reply.ID,
		RelatedCourseID:     discussion.CourseID,
	}
	return ReplyOutcome{Reply: updated, Intents: authorIntent(intent, actor.ID), Changed: true}, nil
}

// TogglePin sets or clears the pinned flag.
func TogglePin(discussion Discussion, action PinAction, actor auth.Principal, now time.Time) (DiscussionOutcome, error) {
	if !canModerate(actor) {
		return DiscussionOutcome{}, apperr.Permission("only lecturers and admins may pin discussions")
	}
	var pinned bool
	switch action {
	case ActionPin:
		pinned = true
	case ActionUnpin:
		pinned = false
	default:
		return DiscussionOutcome{}, apperr.Validation("unknown pin action %q", action)
	}
	if discussion.IsPinned == pinned {
		return DiscussionOutcome{Discussion: discussion}, nil
	}
	updated := discussion.clone()
	updated.IsPinned = pinned
	updated.UpdatedAt = now.UTC()
	return DiscussionOutcome{Discussion: updated, Changed: true}, nil
}

// SetSticky sets or clears the sticky flag.
func SetSticky(discussion Discussion, sticky bool, actor auth.Principal, now time.Time) (DiscussionOutcome, error) {
	if !canModerate(actor) {
		return DiscussionOutcome{}, apperr.Permission("only lecturers and admins may change sticky discussions")
	}
	if discussion.IsSticky == sticky {
		return DiscussionOutcome{Discussion: discussion}, nil
	}
	updated := discussion.clone()
	updated.IsSticky = sticky
	updated.UpdatedAt = now.UTC()
	return DiscussionOutcome{Discussion: updated, Changed: true}, nil
}

// SetLocked moves a discussion between active and locked.
func SetLocked(discussion Discussion, locked bool, actor auth.Principal, now time.Time) (DiscussionOutcome, error) {
	if !canModerate(actor) {
		return DiscussionOutcome{}, apperr.Permission("only lecturers and admins may lock discussions")
	}
	target := DiscussionActive
	if locked {
		target = DiscussionLocked
	}
	if discussion.Status == target {
		return DiscussionOutcome{Discussion: discussion}, nil
	}
	if discussion.Status != DiscussionActive && discussion.Status != DiscussionLocked {
		return DiscussionOutcome{}, apperr.InvalidState("discussion %s is %s", discussion.ID, discussion.Status)
	}
	updated := discussion.clone()
	updated.Status = target
	updated.UpdatedAt = now.UTC()
	return DiscussionOutcome{Discussion: updated, Changed: true}, nil
}

// RecomputeReplyCount stores the derived reply count and bumps lastActivity.
func RecomputeReplyCount(discussion Discussion, replyCount int64, now time.Time) Discussion {
	updated := discussion.clone()
	if replyCount < 0 {
		replyCount = 0
	}
	now = now.UTC()
	updated.ReplyCount = replyCount
	updated.LastActivity = now
	updated.UpdatedAt = now
	return updated
}

// RecordView increments the view counter.
func RecordView(discussion Discussion) Discussion {
	updated := discussion.clone()
	updated.ViewCount++
	return updated
}

func authorIntent(intent notifications.Intent, actorID string) []notifications.Intent {
	if intent.RecipientID == "" || intent.RecipientID == actorID {
		return nil
	}
	return []notifications.Intent{intent}
}

func removeMember(set *datatypes.JSONSlice[string], principalID string) bool {
	index := slices.Index(*set, principalID)
	if index < 0 {
		return false
	}
	*set = slices.Delete(*set, index, index+1)
	return true
}

func normalizeTags(tags []string) datatypes.JSONSlice[string] {
	normalized := datatypes.JSONSlice[string]{}
	for _, tag := range tags {
		trimmed := strings.ToLower(strings.TrimSpace(tag))
		if trimmed == "" || slices.Contains(normalized, trimmed) {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

func rejectionMessage(base, reason string) string {
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		return base + ": " + trimmed
	}
	return base
}

func displayName(principal auth.Principal) string {
	if name := strings.TrimSpace(principal.DisplayName); name != "" {
		return name
	}
	return "Someone"
}
