package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// CacheEntry is the persisted stats cache slot. Data is kept as raw JSON so
// an entry written by an older build is still served verbatim.
type CacheEntry struct {
	Data      json.RawMessage `json:"data"`
	LastFetch int64           `json:"lastFetch"` // epoch milliseconds, 0 if never populated
}

// HasData reports whether a prior successful fetch is available.
func (e CacheEntry) HasData() bool {
	return len(e.Data) > 0 && string(e.Data) != "null"
}

// FetchedAt converts LastFetch to a time.
func (e CacheEntry) FetchedAt() time.Time {
	return time.UnixMilli(e.LastFetch)
}

// AuthResult is handed to the browser after a Discord login. It is never
// stored server-side.
type AuthResult struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Avatar   *string  `json:"avatar"`
	IsMember bool     `json:"isMember"`
	JoinedAt *string  `json:"joined_at"`
	TopRole  *TopRole `json:"topRole"`
}

// TopRole is the highest-position role a member holds.
type TopRole struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Document stores one JSON document per key when the sqlite driver is used.
type Document struct {
	Key       string    `gorm:"column:doc_key;primaryKey"`
	Data      string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Document{})
}
