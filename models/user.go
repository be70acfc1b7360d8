package models

import (
	"time"
)

// Roles known to the ledger. The upload capability is not derived from the
// role, it is an independent per-user flag.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// ValidRole reports whether r is a known role.
func ValidRole(r string) bool {
	return r == RoleAdmin || r == RoleUser
}

// User model. Passwords are stored only as bcrypt hashes.
type User struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"-"`
	Username           string    `gorm:"size:50;not null;uniqueIndex" json:"username"`
	HashedPassword     []byte    `gorm:"not null" json:"-"`
	Role               string    `gorm:"size:20;not null;default:user" json:"role"`
	CanUploadDocuments bool      `gorm:"default:false" json:"can_upload_documents"`
}
