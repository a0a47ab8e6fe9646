package models

import "time"

// User is the owner of promoters, keyed by the identity provider's id
type User struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"not null" json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// DisplayName returns the best available greeting name
func (u *User) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Email
}
