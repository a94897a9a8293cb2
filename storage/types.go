package storage

import (
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a delete matched no listing.
	ErrNotFound = errors.New("storage: listing not found")
	// ErrInvalidListing indicates a listing is missing a required field.
	ErrInvalidListing = errors.New("storage: invalid listing")
)

const (
	// DefaultSweepInterval is how often stale active users are evicted.
	DefaultSweepInterval = 10 * time.Second
	// DefaultActiveUserTTL is how long a keep-alive keeps a device counted.
	DefaultActiveUserTTL = 30 * time.Second

	serverIDPrefix = "server_"
)

// AddResult describes the outcome of Store.Add.
type AddResult struct {
	ServerID  string
	Duplicate bool
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}

func floatPtr(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	v := value.Float64
	return &v
}
