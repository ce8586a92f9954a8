package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"
)

// Identity is the last known profile of a principal that connected to the service.
type Identity struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"id"`
	DisplayName string    `gorm:"column:display_name;size:320;not null;default:''" json:"displayName"`
	Role        auth.Role `gorm:"column:role;size:32;not null;index" json:"role"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null" json:"lastSeenAt"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updatedAt"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Principal converts the stored profile back into a session principal.
func (i Identity) Principal() auth.Principal {
	return auth.Principal{ID: i.UserID, DisplayName: i.DisplayName, Role: i.Role}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
