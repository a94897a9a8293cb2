package storage

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"barterlink/models"
)

func newTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()

	store, err := Open(Options{Clock: clk})
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func mustAdd(t *testing.T, store *Store, listing models.Listing) AddResult {
	t.Helper()

	res, err := store.Add(listing)
	require.NoError(t, err, "add listing %+v", listing)
	return res
}

func waterForFood(vendorID string) models.Listing {
	return models.Listing{
		VendorID:         vendorID,
		VendorName:       "Al",
		Description:      "Water",
		ProductsInReturn: "Food",
	}
}
