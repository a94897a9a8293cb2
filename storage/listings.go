package storage

import (
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"barterlink/models"
)

// Add stores a listing or returns the existing record with the same dedup tuple.
//
// A duplicate is not an error: the result carries the original server ID with
// Duplicate set.
func (s *Store) Add(listing models.Listing) (AddResult, error) {
	if strings.TrimSpace(listing.VendorID) == "" {
		return AddResult{}, fmt.Errorf("%w: vendorID is required", ErrInvalidListing)
	}

	key := dedupFingerprint(listing)

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err := s.db.QueryRow(`SELECT server_id FROM listings WHERE dedup_key = ?`, key).Scan(&existing)
	switch {
	case err == nil:
		s.logger.Debug("duplicate listing submission", zap.String("server_id", existing), zap.String("vendor_id", listing.VendorID))
		return AddResult{ServerID: existing, Duplicate: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return AddResult{}, fmt.Errorf("lookup listing dedup key: %w", err)
	}

	createdAt := listing.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}

	seq := s.nextID + 1
	serverID := serverIDPrefix + strconv.FormatInt(seq, 10)
	clientID := listing.VendorID

	_, err = s.db.Exec(
		`INSERT INTO listings (
			seq,
			server_id,
			vendor_id,
			client_id,
			owner_key,
			client_owner_key,
			dedup_key,
			vendor_name,
			description,
			products_in_return,
			image,
			latitude,
			longitude,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq,
		serverID,
		listing.VendorID,
		clientID,
		models.StripRolePrefix(listing.VendorID),
		models.StripRolePrefix(clientID),
		key,
		listing.VendorName,
		listing.Description,
		listing.ProductsInReturn,
		nullString(listing.Image),
		nullFloat(listing.Latitude),
		nullFloat(listing.Longitude),
		createdAt.UnixMilli(),
	)
	if err != nil {
		return AddResult{}, fmt.Errorf("insert listing %q: %w", serverID, err)
	}
	s.nextID = seq

	s.logger.Debug("listing stored", zap.String("server_id", serverID), zap.String("vendor_id", listing.VendorID))
	return AddResult{ServerID: serverID}, nil
}

// List returns a snapshot of every listing in insertion order.
func (s *Store) List() ([]models.Listing, error) {
	rows, err := s.db.Query(
		`SELECT
			server_id,
			vendor_id,
			client_id,
			vendor_name,
			description,
			products_in_return,
			image,
			latitude,
			longitude,
			created_at
		FROM listings
		ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	out := make([]models.Listing, 0)
	for rows.Next() {
		var (
			listing   models.Listing
			image     sql.NullString
			latitude  sql.NullFloat64
			longitude sql.NullFloat64
			createdAt int64
		)
		if err := rows.Scan(
			&listing.ServerID,
			&listing.VendorID,
			&listing.ClientID,
			&listing.VendorName,
			&listing.Description,
			&listing.ProductsInReturn,
			&image,
			&latitude,
			&longitude,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan listing row: %w", err)
		}
		listing.Image = image.String
		listing.Latitude = floatPtr(latitude)
		listing.Longitude = floatPtr(longitude)
		listing.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, listing)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listing rows: %w", err)
	}

	return out, nil
}

// Count returns the number of stored listings.
func (s *Store) Count() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM listings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	return count, nil
}

// DeleteByServerID removes the listing with the given server ID.
func (s *Store) DeleteByServerID(serverID string) (int, error) {
	if serverID == "" {
		return 0, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteWhere(`server_id = ?`, serverID)
}

// DeleteByOwner removes every listing whose vendorID or clientId matches identity
// once role tags are stripped.
func (s *Store) DeleteByOwner(identity string) (int, error) {
	owner := models.StripRolePrefix(identity)
	if owner == "" {
		return 0, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteWhere(`owner_key = ? OR client_owner_key = ?`, owner, owner)
}

// DeleteByIdentity removes the listing whose server ID equals token, or, when
// none does, every listing owned by token.
func (s *Store) DeleteByIdentity(token string) (int, error) {
	if token == "" {
		return 0, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.deleteWhere(`server_id = ?`, token)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return removed, err
	}

	owner := models.StripRolePrefix(token)
	return s.deleteWhere(`owner_key = ? OR client_owner_key = ?`, owner, owner)
}

// Clear removes all listings and restarts server ID assignment.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM listings`); err != nil {
		return fmt.Errorf("clear listings: %w", err)
	}
	s.nextID = 0
	return nil
}

func (s *Store) deleteWhere(clause string, args ...any) (int, error) {
	res, err := s.db.Exec(`DELETE FROM listings WHERE `+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("delete listings: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for listing delete: %w", err)
	}
	if removed == 0 {
		return 0, ErrNotFound
	}

	s.logger.Debug("listings deleted", zap.Int64("count", removed))
	return int(removed), nil
}

// dedupFingerprint hashes the dedup tuple with length prefixes so field
// boundaries cannot collide.
func dedupFingerprint(listing models.Listing) string {
	hash, _ := blake2b.New256(nil)
	var length [8]byte
	for _, field := range listing.DedupKey() {
		binary.BigEndian.PutUint64(length[:], uint64(len(field)))
		hash.Write(length[:])
		hash.Write([]byte(field))
	}
	return hex.EncodeToString(hash.Sum(nil))
}
