package chat

import "time"

const tableTavernMessages = "tavern_messages"

// Message is one entry of the shared tavern log. Messages are never edited or deleted.
type Message struct {
	ID        string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index" json:"user_id"`
	Content   string    `gorm:"column:content;type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
}

// TableName exposes the table backing tavern messages.
func (Message) TableName() string {
	return tableTavernMessages
}
