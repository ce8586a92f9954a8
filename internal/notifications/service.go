package notifications

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/realtime"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const (
	opServiceNew    = "notifications.service.new"
	opNotify        = "notifications.notify"
	opUnreadCount   = "notifications.unread_count"
	opList          = "notifications.list"
	opMarkRead      = "notifications.mark_read"
	opMarkAllRead   = "notifications.mark_all_read"
	opArchive       = "notifications.archive"
	opUnarchive     = "notifications.unarchive"
	opPurgeExpired  = "notifications.purge_expired"
	notFoundKind    = "notification"
	expiryCondition = "expires_at IS NULL OR expires_at > ?"
)

// Publisher pushes live envelopes to one principal. Offline principals are skipped.
type Publisher interface {
	SendToPrincipal(principalID string, message realtime.Outbound) error
}

// ServiceConfig describes the collaborators of a notification Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  Publisher
	DefaultTTL time.Duration
	Logger     *zap.Logger
}

// Service persists notifications and pushes them to online recipients.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  Publisher
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewService validates cfg and constructs a Service. A nil Publisher disables live push.
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
		publisher:  cfg.Publisher,
		defaultTTL: cfg.DefaultTTL,
		logger:     logging.OrNop(cfg.Logger),
	}, nil
}

// Notify persists one notification for intent and pushes it, along with the recipient's new
// unread total, to the recipient if online. Identical intents are never deduplicated.
func (s *Service) Notify(ctx context.Context, intent Intent) (Notification, error) {
	if err := intent.validate(); err != nil {
		return Notification{}, err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opNotify, "id_generation_failed", err, zap.String("recipient_id", intent.RecipientID))
		return Notification{}, apperr.NewServiceError(opNotify, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	priority := intent.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	expiresAt := intent.ExpiresAt
	if expiresAt == nil && s.defaultTTL > 0 {
		expiry := now.Add(s.defaultTTL)
		expiresAt = &expiry
	}
	notification := Notification{
		ID:                  id,
		RecipientID:         strings.TrimSpace(intent.RecipientID),
		SenderID:            intent.SenderID,
		Type:                intent.Type,
		Title:               intent.Title,
		Message:             intent.Message,
		RelatedDiscussionID: intent.RelatedDiscussionID,
		RelatedReplyID:      intent.RelatedReplyID,
		RelatedCourseID:     intent.RelatedCourseID,
		Priority:            priority,
		ExpiresAt:           expiresAt,
		CreatedAt:           now,
	}
	if len(intent.Metadata) > 0 {
		notification.Metadata = datatypes.JSONMap(intent.Metadata)
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		s.logError(opNotify, "insert_failed", err,
			zap.String("recipient_id", notification.RecipientID),
			zap.String("type", string(notification.Type)))
		return Notification{}, apperr.NewServiceError(opNotify, "insert_failed", err)
	}

	s.publish(notification.RecipientID, realtime.NotificationPush(notification))
	s.pushUnreadCount(ctx, notification.RecipientID)
	return notification, nil
}

// UnreadCount counts unread, unarchived, unexpired notifications owned by recipientID.
func (s *Service) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("recipient_id = ? AND is_read = ? AND is_archived = ?", recipientID, false, false).
		Where(expiryCondition, s.clock().UTC()).
		Count(&count).Error
	if err != nil {
		s.logError(opUnreadCount, "query_failed", err, zap.String("recipient_id", recipientID))
		return 0, apperr.NewServiceError(opUnreadCount, "query_failed", err)
	}
	return count, nil
}

// List returns recipientID's unexpired notifications, newest first.
func (s *Service) List(ctx context.Context, recipientID string, filter ListFilter) ([]Notification, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, apperr.Validation("recipient is required")
	}
	filter = filter.normalized()
	query := s.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Where(expiryCondition, s.clock().UTC())
	if filter.UnreadOnly {
		query = query.Where("is_read = ?", false)
	}
	if !filter.IncludeArchived {
		query = query.Where("is_archived = ?", false)
	}

	var notifications []Notification
	if err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&notifications).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("recipient_id", recipientID))
		return nil, apperr.NewServiceError(opList, "query_failed", err)
	}
	return notifications, nil
}

// MarkRead marks the given notifications read. Ids not owned by recipientID, unknown ids, and
// already read notifications are skipped; the number actually updated is returned.
func (s *Service) MarkRead(ctx context.Context, recipientID string, notificationIDs []string) (int64, error) {
	ids := uniqueNonEmpty(notificationIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.clock().UTC()
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("recipient_id = ? AND id IN ? AND is_read = ?", recipientID, ids, false).
		Updates(map[string]any{"is_read": true, "read_at": now})
	if result.Error != nil {
		s.logError(opMarkRead, "update_failed", result.Error, zap.String("recipient_id", recipientID))
		return 0, apperr.NewServiceError(opMarkRead, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.pushUnreadCount(ctx, recipientID)
	}
	return result.RowsAffected, nil
}

// MarkAllRead marks every unread notification owned by recipientID read.
func (s *Service) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	now := s.clock().UTC()
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("recipient_id = ? AND is_read = ?", recipientID, false).
		Updates(map[string]any{"is_read": true, "read_at": now})
	if result.Error != nil {
		s.logError(opMarkAllRead, "update_failed", result.Error, zap.String("recipient_id", recipientID))
		return 0, apperr.NewServiceError(opMarkAllRead, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.pushUnreadCount(ctx, recipientID)
	}
	return result.RowsAffected, nil
}

// Archive hides a notification from the default listing and the unread total.
func (s *Service) Archive(ctx context.Context, recipientID, notificationID string) (Notification, error) {
	return s.setArchived(ctx, opArchive, recipientID, notificationID, true)
}

// Unarchive reverses Archive.
func (s *Service) Unarchive(ctx context.Context, recipientID, notificationID string) (Notification, error) {
	return s.setArchived(ctx, opUnarchive, recipientID, notificationID, false)
}

func (s *Service) setArchived(ctx context.Context, operation, recipientID, notificationID string, archived bool) (Notification, error) {
	var notification Notification
	changed := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND recipient_id = ?", notificationID, recipientID).
			Take(&notification).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(notFoundKind, notificationID)
		}
		if err != nil {
			s.logError(operation, "select_failed", err, zap.String("notification_id", notificationID))
			return apperr.NewServiceError(operation, "select_failed", err)
		}
		if notification.IsArchived == archived {
			return nil
		}
		notification.IsArchived = archived
		if archived {
			now := s.clock().UTC()
			notification.ArchivedAt = &now
		} else {
			notification.ArchivedAt = nil
		}
		if err := tx.Save(&notification).Error; err != nil {
			s.logError(operation, "save_failed", err, zap.String("notification_id", notificationID))
			return apperr.NewServiceError(operation, "save_failed", err)
		}
		changed = true
		return nil
	})
	if txErr != nil {
		return Notification{}, txErr
	}
	if changed && !notification.IsRead {
		s.pushUnreadCount(ctx, recipientID)
	}
	return notification, nil
}

// PurgeExpired deletes every notification whose expiry has elapsed.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", s.clock().UTC()).
		Delete(&Notification{})
	if result.Error != nil {
		s.logError(opPurgeExpired, "delete_failed", result.Error)
		return 0, apperr.NewServiceError(opPurgeExpired, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Service) pushUnreadCount(ctx context.Context, recipientID string) {
	if s.publisher == nil {
		return
	}
	count, err := s.UnreadCount(ctx, recipientID)
	if err != nil {
		return
	}
	s.publish(recipientID, realtime.UnreadCount(count))
}

func (s *Service) publish(recipientID string, message realtime.Outbound) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.SendToPrincipal(recipientID, message); err != nil {
		s.logger.Error("notification push failed",
			zap.String("recipient_id", recipientID),
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
	s.logger.Error("notification service error", attrs...)
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		unique = append(unique, trimmed)
	}
	return unique
}
