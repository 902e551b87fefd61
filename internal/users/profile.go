package users

import (
	"math/rand/v2"
	"regexp"
	"strings"
	"time"
)

// User classes a profile may choose from.
const (
	ClassArchitect = "Architect"
	ClassSentinel  = "Sentinel"
	ClassScout     = "Scout"
)

const (
	// AnonymousUsername is shown for participants without a profile username.
	AnonymousUsername = "Anonymous"
	// DefaultCursorColor is used for participants without a profile color.
	DefaultCursorColor = "#00ffff"

	guestUsernamePrefix = "Ghost_"
	guestSuffixLength   = 4
)

// NeonPalette lists the cursor colors handed to new participants.
var NeonPalette = []string{"#00ffff", "#ff00ff", "#00ff00", "#ffff00", "#ff6600", "#6600ff"}

var cursorColorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Profile is a participant's public identity.
type Profile struct {
	ID          string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	UserID      string    `gorm:"column:user_id;size:190;not null;uniqueIndex" json:"user_id"`
	Username    string    `gorm:"column:username;size:64" json:"username"`
	DisplayName string    `gorm:"column:display_name;size:320" json:"display_name"`
	CursorColor string    `gorm:"column:cursor_color;size:16" json:"cursor_color"`
	UserClass   string    `gorm:"column:user_class;size:16" json:"user_class"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512" json:"avatar_url"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing participant profiles.
func (Profile) TableName() string {
	return "profiles"
}

// ProfileUpdate carries the editable profile fields. Nil fields are left unchanged.
type ProfileUpdate struct {
	Username    *string `json:"username"`
	DisplayName *string `json:"display_name"`
	CursorColor *string `json:"cursor_color"`
	UserClass   *string `json:"user_class"`
	AvatarURL   *string `json:"avatar_url"`
}

// GuestUsername derives the default username for a participant id.
func GuestUsername(userID string) string {
	trimmed := normalize(userID)
	if len(trimmed) > guestSuffixLength {
		trimmed = trimmed[:guestSuffixLength]
	}
	return guestUsernamePrefix + trimmed
}

// RandomNeonColor picks a cursor color from NeonPalette.
func RandomNeonColor() string {
	return NeonPalette[rand.IntN(len(NeonPalette))]
}

// ValidCursorColor reports whether color is a #rrggbb value.
func ValidCursorColor(color string) bool {
	return cursorColorPattern.MatchString(color)
}

// ValidUserClass reports whether class names a known user class.
func ValidUserClass(class string) bool {
	switch class {
	case ClassArchitect, ClassSentinel, ClassScout:
		return true
	default:
		return false
	}
}

// DisplayUsername returns the profile username or AnonymousUsername.
func (p Profile) DisplayUsername() string {
	if name := normalize(p.Username); name != "" {
		return name
	}
	return AnonymousUsername
}

// DisplayColor returns the profile cursor color or DefaultCursorColor.
func (p Profile) DisplayColor() string {
	if color := normalize(p.CursorColor); color != "" {
		return color
	}
	return DefaultCursorColor
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
