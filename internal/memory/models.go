package memory

import "time"

// Conversation is the gorm model backing the Conversation data-model entry,
// persisted per §4.8's two-relation schema.
type Conversation struct {
	ID        string `gorm:"primaryKey"`
	Summary   string
	UpdatedAt time.Time
}

// Message is one row of the append-only message log.
type Message struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"index"`
	Seq            int
	Role           string
	Content        string
	Tokens         int
	CreatedAt      time.Time
}
