package discussions

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/realtime"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const (
	opServiceNew          = "discussions.service.new"
	opCreateDiscussion    = "discussions.create"
	opGetDiscussion       = "discussions.get"
	opListDiscussions     = "discussions.list"
	opEditDiscussion      = "discussions.edit"
	opModerateDiscussion  = "discussions.moderate"
	opDeleteDiscussion    = "discussions.delete"
	opTogglePin           = "discussions.toggle_pin"
	opSetSticky           = "discussions.set_sticky"
	opSetLocked           = "discussions.set_locked"
	opRecordView          = "discussions.record_view"
	opCreateReply         = "discussions.replies.create"
	opListReplies         = "discussions.replies.list"
	opEditReply           = "discussions.replies.edit"
	opModerateReply       = "discussions.replies.moderate"
	opDeleteReply         = "discussions.replies.delete"
	opVote                = "discussions.replies.vote"
	opUnvote              = "discussions.replies.unvote"
	opMarkSolution        = "discussions.replies.mark_solution"
	kindDiscussion        = "discussion"
	kindReply             = "reply"
	updateNewReply        = "new_reply"
	updateReplyUpdated    = "reply_updated"
	updateReplyDeleted    = "reply_deleted"
	updateVote            = "vote_updated"
	updateSolution        = "solution_marked"
	updateModerated       = "discussion_moderated"
	updatePinned          = "discussion_pinned"
	updateLocked          = "discussion_locked"
	updateDiscussion      = "discussion_updated"
	updateDiscussionGone  = "discussion_deleted"
	defaultDiscussionPage = 50
)

// IDProvider issues record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Notifier turns notification intents into persisted notifications.
type Notifier interface {
	Notify(ctx context.Context, intent notifications.Intent) (notifications.Notification, error)
}

// Publisher fans live updates out to room members.
type Publisher interface {
	SendToRoom(roomID string, message realtime.Outbound) (int, error)
}

// ServiceConfig describes the collaborators of a discussion Service. Notifier and Publisher are
// optional.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Notifier   Notifier
	Publisher  Publisher
	Logger     *zap.Logger
}

// Service persists content transitions. Each mutation loads, transitions and saves one record in
// a single transaction; notification intents and live updates go out only after commit.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	notifier   Notifier
	publisher  Publisher
	logger     *zap.Logger
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.NewServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		notifier:   cfg.Notifier,
		publisher:  cfg.Publisher,
		logger:     logging.OrNop(cfg.Logger),
	}, nil
}

// ReplyChange is the outcome of a reply mutation together with the parent discussion as stored
// after the mutation.
type ReplyChange struct {
	Reply      Reply
	Discussion Discussion
}

// CreateDiscussion stores a new discussion authored by actor. Discussions that are immediately
// active are announced to the course room.
func (s *Service) CreateDiscussion(ctx context.Context, actor auth.Principal, draft DiscussionDraft) (Discussion, error) {
	id, err := s.newID(opCreateDiscussion)
	if err != nil {
		return Discussion{}, err
	}
	outcome, err := CreateDiscussion(id, draft, actor, s.clock())
	if err != nil {
		return Discussion{}, err
	}
	if err := s.db.WithContext(ctx).Create(&outcome.Discussion).Error; err != nil {
		s.logError(opCreateDiscussion, "insert_failed", err, zap.String("author_id", actor.ID))
		return Discussion{}, apperr.NewServiceError(opCreateDiscussion, "insert_failed", err)
	}
	s.afterDiscussionCommit(ctx, outcome, "")
	return outcome.Discussion, nil
}

// GetDiscussion returns a discussion visible to viewer.
func (s *Service) GetDiscussion(ctx context.Context, viewer auth.Principal, discussionID string) (Discussion, error) {
	discussion, err := s.loadDiscussion(s.db.WithContext(ctx), opGetDiscussion, discussionID, false)
	if err != nil {
		return Discussion{}, err
	}
	if !canSeeDiscussion(viewer, discussion) {
		return Discussion{}, apperr.NotFound(kindDiscussion, discussionID)
	}
	return discussion, nil
}

// ListDiscussions returns a course's discussions visible to viewer: pinned first, then sticky,
// then by latest activity.
func (s *Service) ListDiscussions(ctx context.Context, viewer auth.Principal, courseID string) ([]Discussion, error) {
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		return nil, apperr.Validation("courseId is required")
	}
	query := s.db.WithContext(ctx).Where("course_id = ?", courseID)
	if canModerate(viewer) {
		query = query.Where("status <> ?", DiscussionArchived)
	} else {
		query = query.Where("status IN ? OR (status = ? AND author_id = ?)",
			[]DiscussionStatus{DiscussionActive, DiscussionLocked}, DiscussionPending, viewer.ID)
	}
	var discussions []Discussion
	if err := query.
		Order("is_pinned DESC").
		Order("is_sticky DESC").
		Order("last_activity DESC").
		Limit(defaultDiscussionPage).
		Find(&discussions).Error; err != nil {
		s.logError(opListDiscussions, "query_failed", err, zap.String("course_id", courseID))
		return nil, apperr.NewServiceError(opListDiscussions, "query_failed", err)
	}
	return discussions, nil
}

// EditDiscussion applies patch on behalf of actor.
func (s *Service) EditDiscussion(ctx context.Context, actor auth.Principal, discussionID string, patch DiscussionPatch) (Discussion, error) {
	outcome, err := s.mutateDiscussion(ctx, opEditDiscussion, discussionID, func(current Discussion) (DiscussionOutcome, error) {
		return EditDiscussion(current, patch, actor, s.clock())
	})
	if err != nil {
		return Discussion{}, err
	}
	s.afterDiscussionCommit(ctx, outcome, updateDiscussion)
	return outcome.Discussion, nil
}

// ModerateDiscussion approves or rejects a pending discussion.
func (s *Service) ModerateDiscussion(ctx context.Context, actor auth.Principal, discussionID string, action ModerationAction, reason string) (Discussion, error) {
	outcome, err := s.mutateDiscussion(ctx, opModerateDiscussion, discussionID, func(current Discussion) (DiscussionOutcome, error) {
		return ModerateDiscussion(current, action, actor, reason, s.clock())
	})
	if err != nil {
		return Discussion{}, err
	}
	s.afterDiscussionCommit(ctx, outcome, updateModerated)
	return outcome.Discussion, nil
}

// DeleteDiscussion soft deletes a discussion. Repeating the call is a no-op.
func (s *Service) DeleteDiscussion(ctx context.Context, actor auth.Principal, discussionID, reason string) (Discussion, error) {
	outcome, err := s.mutateDiscussion(ctx, opDeleteDiscussion, discussionID, func(current Discussion) (DiscussionOutcome, error) {
		return SoftDeleteDiscussion(current, actor, reason, s.clock())
	})
	if err != nil {
		return Discussion{}, err
	}
	s.afterDiscussionCommit(ctx, outcome, updateDiscussionGone)
	return outcome.Discussion, nil
}

// TogglePin pins or unpins a discussion.
func (s *Service) TogglePin(ctx context.Context, actor auth.Principal, discussionID string, action PinAction) (Discussion, error) {
	outcome, err := s.mutateDiscussion(ctx, opTogglePin, discussionID, func(current Discussion) (DiscussionOutcome, error) {
		return TogglePin(current, action, actor, s.clock())
	})
	if err != nil {
		return Discussion{}, err
	}
	s.afterDiscussionCommit(ctx, outcome, updatePinned)
	return outcome.Discussion, nil
}

// SetSticky sets or clears the sticky flag.
func (s *Service) SetSticky(ctx context.Context, actor auth.Principal, discussionID string, sticky bool) (Discussion, error) {
	outcome, err := s.mutateDiscussion(ctx, opSetSticky, discussionID, func(current Discussion) (DiscussionOutcome, error) {
		return SetSticky(current, sticky, actor, s.clock())
	})
	if err != nil {
		return Discussion{}, err
	}
	s.afterDiscussionCommit(ctx, outcome, updatePinned)
	return outcome.Discussion, nil
}

// SetLocked locks or unlocks a discussion.
func (s *Service) SetLocked(ctx context.Context, actor auth.Principal, discussionID string, locked bool) (Discussion, error) {
	outcome, err := s.mutateDiscussion(ctx, opSetLocked, discussionID, func(current Discussion) (DiscussionOutcome, error) {
		return SetLocked(current, locked, actor, s.clock())
	})
	if err != nil {
		return Discussion{}, err
	}
	s.afterDiscussionCommit(ctx, outcome, updateLocked)
	return outcome.Discussion, nil
}

// RecordView counts one view of a visible discussion. The counter is incremented in SQL so
// concurrent views are not lost.
func (s *Service) RecordView(ctx context.Context, viewer auth.Principal, discussionID string) (Discussion, error) {
	discussion, err := s.GetDiscussion(ctx, viewer, discussionID)
	if err != nil {
		return Discussion{}, err
	}
	if err := s.db.WithContext(ctx).
		Model(&Discussion{}).
		Where("id = ?", discussionID).
		UpdateColumn("view_count", gorm.Expr("view_count + ?", 1)).Error; err != nil {
		s.logError(opRecordView, "update_failed", err, zap.String("discussion_id", discussionID))
		return Discussion{}, apperr.NewServiceError(opRecordView, "update_failed", err)
	}
	return RecordView(discussion), nil
}

// CreateReply stores a reply on behalf of actor and refreshes the discussion's reply count.
func (s *Service) CreateReply(ctx context.Context, actor auth.Principal, draft ReplyDraft) (ReplyChange, error) {
	id, err := s.newID(opCreateReply)
	if err != nil {
		return ReplyChange{}, err
	}
	var (
		outcome    ReplyOutcome
		discussion Discussion
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.loadDiscussion(tx, opCreateReply, draft.DiscussionID, true)
		if err != nil {
			return err
		}
		var parent *Reply
		if parentID := strings.TrimSpace(draft.ParentReplyID); parentID != "" {
			loaded, err := s.loadReply(tx, opCreateReply, parentID, false)
			if err != nil {
				return err
			}
			parent = &loaded
		}
		outcome, err = CreateReply(id, draft, current, parent, actor, s.clock())
		if err != nil {
			return err
		}
		if err := tx.Create(&outcome.Reply).Error; err != nil {
			s.logError(opCreateReply, "insert_failed", err, zap.String("discussion_id", current.ID))
			return apperr.NewServiceError(opCreateReply, "insert_failed", err)
		}
		discussion, err = s.refreshReplyCount(tx, opCreateReply, current)
		return err
	})
	if txErr != nil {
		return ReplyChange{}, txErr
	}
	s.afterReplyCommit(ctx, outcome, discussion, updateNewReply)
	return ReplyChange{Reply: outcome.Reply, Discussion: discussion}, nil
}

// ListReplies returns the replies of a discussion visible to viewer, oldest first.
func (s *Service) ListReplies(ctx context.Context, viewer auth.Principal, discussionID string) ([]Reply, error) {
	if _, err := s.GetDiscussion(ctx, viewer, discussionID); err != nil {
		return nil, err
	}
	var replies []Reply
	if err := s.db.WithContext(ctx).
		Where("discussion_id = ? AND status <> ?", discussionID, ReplyDeleted).
		Order("created_at ASC").
		Order("id ASC").
		Find(&replies).Error; err != nil {
		s.logError(opListReplies, "query_failed", err, zap.String("discussion_id", discussionID))
		return nil, apperr.NewServiceError(opListReplies, "query_failed", err)
	}
	visible := replies[:0]
	for _, reply := range replies {
		if canSeeReply(viewer, reply) {
			visible = append(visible, reply)
		}
	}
	return visible, nil
}

// EditReply replaces a reply's content, keeping the superseded version in its history.
func (s *Service) EditReply(ctx context.Context, actor auth.Principal, replyID, content string) (ReplyChange, error) {
	return s.mutateReply(ctx, opEditReply, replyID, true, updateReplyUpdated, func(reply Reply, _ Discussion) (ReplyOutcome, error) {
		return EditReply(reply, content, actor, s.clock())
	})
}

// ModerateReply approves or hides a pending reply.
func (s *Service) ModerateReply(ctx context.Context, actor auth.Principal, replyID string, action ModerationAction, reason string) (ReplyChange, error) {
	return s.mutateReply(ctx, opModerateReply, replyID, true, updateReplyUpdated, func(reply Reply, _ Discussion) (ReplyOutcome, error) {
		return ModerateReply(reply, action, actor, reason, s.clock())
	})
}

// DeleteReply soft deletes a reply. Repeating the call is a no-op.
func (s *Service) DeleteReply(ctx context.Context, actor auth.Principal, replyID, reason string) (ReplyChange, error) {
	return s.mutateReply(ctx, opDeleteReply, replyID, true, updateReplyDeleted, func(reply Reply, _ Discussion) (ReplyOutcome, error) {
		return SoftDeleteReply(reply, actor, reason, s.clock())
	})
}

// Vote records actor's vote on a reply.
func (s *Service) Vote(ctx context.Context, actor auth.Principal, replyID string, voteType VoteType) (ReplyChange, error) {
	return s.mutateReply(ctx, opVote, replyID, false, updateVote, func(reply Reply, _ Discussion) (ReplyOutcome, error) {
		return Vote(reply, actor, voteType, s.clock())
	})
}

// Unvote withdraws actor's vote on a reply.
func (s *Service) Unvote(ctx context.Context, actor auth.Principal, replyID string) (ReplyChange, error) {
	return s.mutateReply(ctx, opUnvote, replyID, false, updateVote, func(reply Reply, _ Discussion) (ReplyOutcome, error) {
		return Unvote(reply, actor, s.clock())
	})
}

// MarkSolution flags a reply as a solution of its discussion.
func (s *Service) MarkSolution(ctx context.Context, actor auth.Principal, replyID string) (ReplyChange, error) {
	return s.mutateReply(ctx, opMarkSolution, replyID, false, updateSolution, func(reply Reply, discussion Discussion) (ReplyOutcome, error) {
		return MarkSolution(reply, discussion, actor, s.clock())
	})
}

func (s *Service) mutateDiscussion(ctx context.Context, operation, discussionID string, transition func(Discussion) (DiscussionOutcome, error)) (DiscussionOutcome, error) {
	var outcome DiscussionOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.loadDiscussion(tx, operation, discussionID, true)
		if err != nil {
			return err
		}
		outcome, err = transition(current)
		if err != nil {
			return err
		}
		if !outcome.Changed {
			return nil
		}
		if err := tx.Save(&outcome.Discussion).Error; err != nil {
			s.logError(operation, "discussion_save_failed", err, zap.String("discussion_id", discussionID))
			return apperr.NewServiceError(operation, "discussion_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return DiscussionOutcome{}, txErr
	}
	return outcome, nil
}

// mutateReply runs transition against a reply and its discussion. When touchDiscussion is set
// the discussion's reply count and last activity are refreshed in the same transaction.
func (s *Service) mutateReply(ctx context.Context, operation, replyID string, touchDiscussion bool, updateType string, transition func(Reply, Discussion) (ReplyOutcome, error)) (ReplyChange, error) {
	var (
		outcome    ReplyOutcome
		discussion Discussion
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reply, err := s.loadReply(tx, operation, replyID, true)
		if err != nil {
			return err
		}
		discussion, err = s.loadDiscussion(tx, operation, reply.DiscussionID, touchDiscussion)
		if err != nil {
			return err
		}
		outcome, err = transition(reply, discussion)
		if err != nil {
			return err
		}
		if !outcome.Changed {
			return nil
		}
		if err := tx.Save(&outcome.Reply).Error; err != nil {
			s.logError(operation, "reply_save_failed", err, zap.String("reply_id", replyID))
			return apperr.NewServiceError(operation, "reply_save_failed", err)
		}
		if touchDiscussion {
			discussion, err = s.refreshReplyCount(tx, operation, discussion)
			return err
		}
		return nil
	})
	if txErr != nil {
		return ReplyChange{}, txErr
	}
	if outcome.Changed {
		s.afterReplyCommit(ctx, outcome, discussion, updateType)
	}
	return ReplyChange{Reply: outcome.Reply, Discussion: discussion}, nil
}

func (s *Service) refreshReplyCount(tx *gorm.DB, operation string, discussion Discussion) (Discussion, error) {
	var count int64
	if err := tx.Model(&Reply{}).
		Where("discussion_id = ? AND status IN ?", discussion.ID, countedReplyStatuses).
		Count(&count).Error; err != nil {
		s.logError(operation, "reply_count_failed", err, zap.String("discussion_id", discussion.ID))
		return Discussion{}, apperr.NewServiceError(operation, "reply_count_failed", err)
	}
	updated := RecomputeReplyCount(discussion, count, s.clock())
	if err := tx.Save(&updated).Error; err != nil {
		s.logError(operation, "discussion_save_failed", err, zap.String("discussion_id", discussion.ID))
		return Discussion{}, apperr.NewServiceError(operation, "discussion_save_failed", err)
	}
	return updated, nil
}

func (s *Service) loadDiscussion(tx *gorm.DB, operation, discussionID string, forUpdate bool) (Discussion, error) {
	discussionID = strings.TrimSpace(discussionID)
	if discussionID == "" {
		return Discussion{}, apperr.Validation("discussionId is required")
	}
	query := tx
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var discussion Discussion
	err := query.Where("id = ?", discussionID).Take(&discussion).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Discussion{}, apperr.NotFound(kindDiscussion, discussionID)
	}
	if err != nil {
		s.logError(operation, "discussion_select_failed", err, zap.String("discussion_id", discussionID))
		return Discussion{}, apperr.NewServiceError(operation, "discussion_select_failed", err)
	}
	return discussion, nil
}

func (s *Service) loadReply(tx *gorm.DB, operation, replyID string, forUpdate bool) (Reply, error) {
	replyID = strings.TrimSpace(replyID)
	if replyID == "" {
		return Reply{}, apperr.Validation("replyId is required")
	}
	query := tx
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var reply Reply
	err := query.Where("id = ?", replyID).Take(&reply).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Reply{}, apperr.NotFound(kindReply, replyID)
	}
	if err != nil {
		s.logError(operation, "reply_select_failed", err, zap.String("reply_id", replyID))
		return Reply{}, apperr.NewServiceError(operation, "reply_select_failed", err)
	}
	return reply, nil
}

func (s *Service) newID(operation string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err)
		return "", apperr.NewServiceError(operation, "id_generation_failed", err)
	}
	return id, nil
}

// afterDiscussionCommit forwards intents and live updates for a committed discussion mutation.
// An empty updateType skips the discussion room.
func (s *Service) afterDiscussionCommit(ctx context.Context, outcome DiscussionOutcome, updateType string) {
	if !outcome.Changed {
		return
	}
	s.notify(ctx, outcome.Intents)
	discussion := outcome.Discussion
	now := s.clock()
	if updateType != "" {
		s.publish(realtime.DiscussionRoom(discussion.ID), realtime.DiscussionUpdate(discussion.ID, updateType, discussionPayload(discussion), now))
	}
	if discussion.Status == DiscussionActive && (updateType == "" || updateType == updateModerated) {
		s.publish(realtime.CourseRoom(discussion.CourseID), realtime.NewDiscussion(discussion, now))
	}
}

func (s *Service) afterReplyCommit(ctx context.Context, outcome ReplyOutcome, discussion Discussion, updateType string) {
	s.notify(ctx, outcome.Intents)
	s.publish(realtime.DiscussionRoom(discussion.ID), realtime.DiscussionUpdate(discussion.ID, updateType, replyPayload(outcome.Reply, discussion), s.clock()))
}

// Room members are not authorized per record, so only publicly visible records travel in full.
// Everything else is reduced to identity, status and counters.

type replyUpdate struct {
	Reply      Reply `json:"reply"`
	VoteCount  int   `json:"voteCount"`
	ReplyCount int64 `json:"replyCount"`
}

type replySummary struct {
	ID         string      `json:"id"`
	Status     ReplyStatus `json:"status"`
	VoteCount  int         `json:"voteCount"`
	ReplyCount int64       `json:"replyCount"`
}

type discussionSummary struct {
	ID         string           `json:"id"`
	Status     DiscussionStatus `json:"status"`
	ReplyCount int64            `json:"replyCount"`
}

func replyPayload(reply Reply, discussion Discussion) any {
	if reply.Status == ReplyActive {
		return replyUpdate{Reply: reply, VoteCount: reply.VoteCount(), ReplyCount: discussion.ReplyCount}
	}
	return replySummary{ID: reply.ID, Status: reply.Status, VoteCount: reply.VoteCount(), ReplyCount: discussion.ReplyCount}
}

func discussionPayload(discussion Discussion) any {
	if discussion.IsPublic() {
		return discussion
	}
	return discussionSummary{ID: discussion.ID, Status: discussion.Status, ReplyCount: discussion.ReplyCount}
}

func (s *Service) notify(ctx context.Context, intents []notifications.Intent) {
	if s.notifier == nil {
		return
	}
	for _, intent := range intents {
		if _, err := s.notifier.Notify(ctx, intent); err != nil {
			s.logger.Error("notification intent dropped",
				zap.String("recipient_id", intent.RecipientID),
				zap.String("type", string(intent.Type)),
				zap.Error(err))
		}
	}
}

func (s *Service) publish(roomID string, message realtime.Outbound) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.SendToRoom(roomID, message); err != nil {
		s.logger.Error("live update dropped",
			zap.String("room_id", roomID),
			zap.String("message_type", string(message.Type)),
			zap.Error(err))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("discussion service error", attrs...)
}
