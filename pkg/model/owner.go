package model

import "time"

// Owner is the person a set of provisioned peers belongs to. ExternalID is
// the stable id from the front-end (for example a messenger user id).
type Owner struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ExternalID string    `gorm:"uniqueIndex;size:64;not null" json:"externalId"`
	Username   string    `gorm:"size:64" json:"username,omitempty"`
	FirstName  string    `gorm:"size:128" json:"firstName,omitempty"`
	LastName   string    `gorm:"size:128" json:"lastName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Handle is the name prefix used for the owner's peers.
func (o Owner) Handle() string {
	if o.Username != "" {
		return o.Username
	}
	return "user" + o.ExternalID
}

// User is an operator account for the admin API.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:64" json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}
