package main

import "arka/models"

// Session identifies the authenticated caller for the duration of a request.
// It always carries role and capability so downstream code never probes for
// optional attributes.
type Session struct {
	UserID    uint
	Username  string
	Role      string
	CanUpload bool
}

func (s Session) IsAdmin() bool {
	return s.Role == models.RoleAdmin
}

func sessionFor(u *models.User) Session {
	return Session{
		UserID:    u.ID,
		Username:  u.Username,
		Role:      u.Role,
		CanUpload: u.CanUploadDocuments,
	}
}
