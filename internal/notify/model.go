package notify

import (
	"encoding/json"

	"github.com/pongarena/matchcoord/internal/util/timeutil"
)

// Notification is the durable copy of a routed event. Delivery itself is
// fire-and-forget, the record is what survives for clients that were
// offline at the time.
type Notification struct {
	ID          string `gorm:"primaryKey"`
	Type        string `gorm:"not null;index"`
	SenderID    string `gorm:"not null"`
	SenderName  string
	RecipientID string `gorm:"not null;index"`
	Payload     string
	CreatedAt   timeutil.UTCTime `gorm:"not null"`
}

func encodePayload(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}
