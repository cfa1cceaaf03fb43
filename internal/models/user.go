package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	Email          string
	HashedPassword string
	VerifiedAt     *time.Time // nil until email ownership is confirmed
}

func (u User) IsVerified() bool {
	return u.VerifiedAt != nil
}
