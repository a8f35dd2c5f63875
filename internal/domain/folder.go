package domain

import "time"

// RecipientKind classifies an addressable Telegram target.
type RecipientKind string

const (
	KindUser    RecipientKind = "user"
	KindGroup   RecipientKind = "group"
	KindChannel RecipientKind = "channel"
)

// Folder is a named, user-owned set of recipient identifiers.
// Membership never implies reachability; resolution happens at dispatch time.
type Folder struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	EntityIDs   []string  `json:"entityIds"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Entity is a cached reference to an external addressable target.
// It is populated by an external sync and consumed read-only here.
type Entity struct {
	ExternalID  string        `json:"externalId"`
	UserID      string        `json:"userId"`
	DisplayName string        `json:"displayName"`
	Username    string        `json:"username,omitempty"`
	Kind        RecipientKind `json:"kind"`
	SyncedAt    time.Time     `json:"syncedAt"`
}
