package raid

import "time"

const (
	tableRaidSessions = "raid_sessions"
	tableUserProgress = "user_progress"
)

// Session is a shared raid on one node. At most one active session exists per node; the
// partial unique index enforces it in storage. Inactive sessions are never modified.
type Session struct {
	ID            string     `gorm:"column:id;primaryKey;size:64" json:"id"`
	NodeID        string     `gorm:"column:node_id;size:190;not null;index;uniqueIndex:idx_raid_sessions_active_node,where:is_active" json:"node_id"`
	ChallengeCode string     `gorm:"column:challenge_code;type:text;not null" json:"challenge_code"`
	SolutionCode  *string    `gorm:"column:solution_code;type:text" json:"solution_code"`
	IsActive      bool       `gorm:"column:is_active;not null" json:"is_active"`
	StartedAt     time.Time  `gorm:"column:started_at;not null" json:"started_at"`
	CompletedAt   *time.Time `gorm:"column:completed_at" json:"completed_at"`
}

// TableName exposes the table backing raid sessions.
func (Session) TableName() string {
	return tableRaidSessions
}

// Reward is the experience a participant earned for completing a raid at a node.
type Reward struct {
	ID          string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	UserID      string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_user_progress_user_node,priority:1" json:"user_id"`
	NodeID      string    `gorm:"column:node_id;size:190;not null;uniqueIndex:idx_user_progress_user_node,priority:2" json:"node_id"`
	XPEarned    int       `gorm:"column:xp_earned;not null" json:"xp_earned"`
	CompletedAt time.Time `gorm:"column:completed_at;not null" json:"completed_at"`
}

// TableName exposes the table backing raid rewards.
func (Reward) TableName() string {
	return tableUserProgress
}
