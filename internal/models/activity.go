package models

import (
	"time"
)

// Activity event types.
const (
	EventForward = "forward"
	EventBounce  = "bounce"
	EventError   = "error"
)

// Activity statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ActivityRecord is an immutable audit entry for one terminal outcome of
// one recipient. The reporting service consumes these; the core only
// appends.
type ActivityRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventType string    `gorm:"not null;size:16;index" json:"event_type"`
	Sender    string    `gorm:"size:255" json:"sender"`
	Recipient string    `gorm:"size:255;index" json:"recipient"`
	Subject   string    `gorm:"size:998" json:"subject,omitempty"`
	Status    string    `gorm:"not null;size:16" json:"status"`
	Message   string    `gorm:"type:text" json:"message,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName returns the table name for ActivityRecord
func (ActivityRecord) TableName() string {
	return "activity_records"
}
