package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"barterlink/models"
	"barterlink/network"
)

// FilterListings drops repeated server IDs (first wins) and every listing
// owned by self, comparing identities with role tags stripped.
func FilterListings(listings []models.Listing, self string) []models.Listing {
	seen := make(map[string]struct{}, len(listings))
	out := make([]models.Listing, 0, len(listings))
	for _, listing := range listings {
		if listing.ServerID != "" {
			if _, dup := seen[listing.ServerID]; dup {
				continue
			}
			seen[listing.ServerID] = struct{}{}
		}
		if listing.OwnedBy(self) {
			continue
		}
		out = append(out, listing)
	}
	return out
}

// SendListing submits a listing to the connected host. A missing vendorID is
// filled with this device's identity.
func (s *Session) SendListing(ctx context.Context, listing models.Listing) (network.SubmitResult, error) {
	addr, err := s.connectedAddr()
	if err != nil {
		return network.SubmitResult{}, err
	}
	if listing.VendorID == "" {
		listing.VendorID = s.opts.DeviceID
	}

	result, err := s.client.SubmitListing(ctx, addr, listing)
	if err != nil {
		return network.SubmitResult{}, err
	}

	s.mu.Lock()
	if !containsString(s.ownListingIDs, result.ServerID) {
		s.ownListingIDs = append(s.ownListingIDs, result.ServerID)
	}
	s.mu.Unlock()

	s.logger.Info("listing sent", zap.String("server_id", result.ServerID), zap.Bool("duplicate", result.Duplicate))
	return result, nil
}

// PollListings fetches the host's listings now and returns them filtered.
func (s *Session) PollListings(ctx context.Context) ([]models.Listing, error) {
	addr, err := s.connectedAddr()
	if err != nil {
		return nil, err
	}
	return s.poll(ctx, addr)
}

// CheckHostAlive probes the connected host once. It never changes state; the
// health loop owns that.
func (s *Session) CheckHostAlive(ctx context.Context, timeout time.Duration) bool {
	addr, err := s.connectedAddr()
	if err != nil {
		return false
	}
	if timeout <= 0 {
		timeout = s.opts.HealthTimeout
	}
	return s.probe(ctx, addr, timeout)
}

// DeleteOwnListings removes everything identity published on the host. An
// empty identity means this device. Nothing to delete is not an error.
func (s *Session) DeleteOwnListings(ctx context.Context, identity string) (int, error) {
	addr, err := s.connectedAddr()
	if err != nil {
		return 0, err
	}
	if identity == "" {
		identity = s.opts.DeviceID
	}

	removed, err := s.client.DeleteListings(ctx, addr, identity, network.DeleteByOwner)
	if errors.Is(err, network.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if models.SameOwner(identity, s.opts.DeviceID) {
		s.mu.Lock()
		s.ownListingIDs = nil
		s.mu.Unlock()
	}
	return removed, nil
}

// ActiveUsers asks the host for its active-user count.
func (s *Session) ActiveUsers(ctx context.Context) (int, error) {
	addr, err := s.connectedAddr()
	if err != nil {
		return 0, err
	}
	count, err := s.client.ActiveUsers(ctx, addr)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.activeUsers = count
	s.mu.Unlock()
	return count, nil
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
