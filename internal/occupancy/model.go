package occupancy

import "time"

const tableNodePresence = "node_presence"

// Record marks a participant as present at a graph node.
type Record struct {
	ID       string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	NodeID   string    `gorm:"column:node_id;size:190;not null;uniqueIndex:idx_node_presence_node_user,priority:1" json:"node_id"`
	UserID   string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_node_presence_node_user,priority:2;index" json:"user_id"`
	JoinedAt time.Time `gorm:"column:joined_at;not null" json:"joined_at"`
}

// TableName exposes the table backing node occupancy.
func (Record) TableName() string {
	return tableNodePresence
}

// Participant is an occupant resolved against its profile.
type Participant struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joined_at"`
}

// Snapshot is a consistent read of a node's occupants.
type Snapshot struct {
	NodeID       string        `json:"node_id"`
	Count        int           `json:"count"`
	Participants []Participant `json:"participants"`
}
