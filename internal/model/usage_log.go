package model

import "time"

// UsageLog records a single redemption attempt against an access key.
type UsageLog struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	KeyID       uint       `gorm:"index;not null" json:"key_id"`
	Key         *AccessKey `gorm:"foreignKey:KeyID;constraint:OnDelete:CASCADE" json:"-"`
	RequestText string     `gorm:"type:text" json:"request_text"`
	Success     bool       `gorm:"not null" json:"success"`
	ErrorMsg    string     `gorm:"type:text" json:"error_msg,omitempty"`
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
}

func (UsageLog) TableName() string {
	return "usage_logs"
}
