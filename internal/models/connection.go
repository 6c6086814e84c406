package models

import "gorm.io/gorm"

// Supported trading platforms.
const (
	PlatformMT4 = "mt4"
	PlatformMT5 = "mt5"
)

// RemoteConnection links a user to a provisioned account on the brokerage
// gateway. At most one row per user has Active set; old connections are
// deactivated, never deleted, so the connection history is preserved.
type RemoteConnection struct {
	gorm.Model
	UserID          uint   `gorm:"index;not null" json:"user_id"`
	Platform        string `gorm:"not null" json:"platform"`
	AccountNumber   string `gorm:"not null" json:"account_number"`
	ServerName      string `gorm:"not null" json:"server_name"`
	RemoteAccountID string `gorm:"not null" json:"remote_account_id"`
	Active          bool   `gorm:"default:false;index" json:"active"`
}

// IsSupportedPlatform reports whether the given platform can be provisioned.
func IsSupportedPlatform(platform string) bool {
	return platform == PlatformMT4 || platform == PlatformMT5
}
