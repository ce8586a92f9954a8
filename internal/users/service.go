package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/logging"
)

// ErrInvalidIdentity indicates the principal did not carry a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const (
	opObserve = "users.observe"
	opLookup  = "users.lookup"
)

// ServiceConfig describes the dependencies required for the user directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service records the principals seen on authenticated connections so their profiles can be
// resolved later by id.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the user directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logging.OrNop(cfg.Logger),
	}, nil
}

// Observe upserts the profile carried by principal and refreshes its last seen time.
func (s *Service) Observe(ctx context.Context, principal auth.Principal) error {
	userID := normalize(principal.ID)
	if userID == "" {
		return ErrInvalidIdentity
	}
	now := s.now().UTC()
	identity := Identity{
		UserID:      userID,
		DisplayName: normalize(principal.DisplayName),
		Role:        principal.Role,
		LastSeenAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "role", "last_seen_at", "updated_at"}),
		}).
		Create(&identity).Error
	if err != nil {
		s.logger.Error("user directory error",
			zap.String("operation", opObserve),
			zap.String("user_id", userID),
			zap.Error(err))
		return apperr.NewServiceError(opObserve, "upsert_failed", err)
	}
	s.cache.Delete(userID)
	return nil
}

// Lookup returns the stored profile for userID.
func (s *Service) Lookup(ctx context.Context, userID string) (Identity, error) {
	userID = normalize(userID)
	if userID == "" {
		return Identity{}, ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(userID); ok {
		if identity, ok := cached.(Identity); ok {
			return identity, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, apperr.NotFound("user", userID)
	}
	if err != nil {
		s.logger.Error("user directory error",
			zap.String("operation", opLookup),
			zap.String("user_id", userID),
			zap.Error(err))
		return Identity{}, apperr.NewServiceError(opLookup, "select_failed", err)
	}
	s.cache.Store(userID, identity)
	return identity, nil
}
