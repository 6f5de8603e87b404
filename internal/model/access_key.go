package model

import "time"

// UnlimitedUses marks an access key whose quota is never exhausted.
const UnlimitedUses = -1

// AccessKey is a redeemable credential handed out to end users.
type AccessKey struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Code      string     `gorm:"column:key_code;type:varchar(64);uniqueIndex;not null" json:"code"`
	Name      string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"name"`
	MaxUses   int        `gorm:"default:100;not null" json:"max_uses"`
	UsedCount int        `gorm:"default:0;not null" json:"used_count"`
	ExpiresAt *time.Time `gorm:"default:null" json:"expires_at"`
	IsActive  bool       `gorm:"default:true;not null" json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
}

func (AccessKey) TableName() string {
	return "access_keys"
}

// Unlimited reports whether the key has no usage cap.
func (k *AccessKey) Unlimited() bool {
	return k.MaxUses == UnlimitedUses
}

// Remaining returns the number of uses left, or UnlimitedUses.
func (k *AccessKey) Remaining() int {
	if k.Unlimited() {
		return UnlimitedUses
	}
	if left := k.MaxUses - k.UsedCount; left > 0 {
		return left
	}
	return 0
}
