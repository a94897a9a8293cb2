package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"barterlink/models"
)

func TestAddAssignsSequentialServerIDs(t *testing.T) {
	store := newTestStore(t, nil)

	first := mustAdd(t, store, waterForFood("client-A1"))
	second := mustAdd(t, store, models.Listing{VendorID: "client-B1", VendorName: "Bo", Description: "Rope", ProductsInReturn: "Salt"})

	require.Equal(t, "server_1", first.ServerID)
	require.False(t, first.Duplicate)
	require.Equal(t, "server_2", second.ServerID)

	listings, err := store.List()
	require.NoError(t, err)
	require.Len(t, listings, 2)
	require.Equal(t, "client-A1", listings[0].ClientID, "clientId mirrors vendorID")
	require.False(t, listings[0].CreatedAt.IsZero())
	require.Equal(t, "server_2", listings[1].ServerID)
}

func TestAddIsIdempotentForDedupTuple(t *testing.T) {
	store := newTestStore(t, nil)

	first := mustAdd(t, store, waterForFood("client-A1"))

	resubmitted := waterForFood("client-A1")
	resubmitted.Image = "data:image/png;base64,AAAA"
	second := mustAdd(t, store, resubmitted)

	require.Equal(t, first.ServerID, second.ServerID)
	require.True(t, second.Duplicate)

	count, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestAddTreatsDifferentVendorAsDistinct(t *testing.T) {
	store := newTestStore(t, nil)

	mustAdd(t, store, waterForFood("client-A1"))
	res := mustAdd(t, store, waterForFood("client-A2"))
	require.False(t, res.Duplicate)

	// Field boundaries are part of the key.
	a := mustAdd(t, store, models.Listing{VendorID: "v", VendorName: "ab", Description: "c", ProductsInReturn: "d"})
	b := mustAdd(t, store, models.Listing{VendorID: "v", VendorName: "a", Description: "bc", ProductsInReturn: "d"})
	require.NotEqual(t, a.ServerID, b.ServerID)
}

func TestAddRejectsMissingVendor(t *testing.T) {
	store := newTestStore(t, nil)

	_, err := store.Add(models.Listing{VendorName: "nobody"})
	require.ErrorIs(t, err, ErrInvalidListing)
}

func TestAddConcurrentDuplicatesStoreOnce(t *testing.T) {
	store := newTestStore(t, nil)

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := store.Add(waterForFood("client-A1"))
			require.NoError(t, err)
			ids[i] = res.ServerID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, "server_1", id)
	}
	count, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestListPreservesOptionalFields(t *testing.T) {
	store := newTestStore(t, nil)

	lat, lon := 51.5, -0.12
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mustAdd(t, store, models.Listing{
		VendorID:         "host-h1",
		VendorName:       "Hal",
		Description:      "Blanket",
		ProductsInReturn: "Batteries",
		Image:            "img-ref-1",
		Latitude:         &lat,
		Longitude:        &lon,
		CreatedAt:        created,
	})

	listings, err := store.List()
	require.NoError(t, err)
	require.Len(t, listings, 1)
	got := listings[0]
	require.Equal(t, "img-ref-1", got.Image)
	require.NotNil(t, got.Latitude)
	require.InDelta(t, lat, *got.Latitude, 1e-9)
	require.InDelta(t, lon, *got.Longitude, 1e-9)
	require.True(t, created.Equal(got.CreatedAt))
}

func TestDeleteByIdentityRemovesAllOwnedListings(t *testing.T) {
	store := newTestStore(t, nil)

	for _, desc := range []string{"Water", "Rice", "Tarp"} {
		mustAdd(t, store, models.Listing{VendorID: "client-A1", VendorName: "Al", Description: desc, ProductsInReturn: "Food"})
	}
	other := mustAdd(t, store, models.Listing{VendorID: "client-B1", VendorName: "Bo", Description: "Water", ProductsInReturn: "Food"})

	removed, err := store.DeleteByIdentity("client-A1")
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	listings, err := store.List()
	require.NoError(t, err)
	require.Len(t, listings, 1)
	require.Equal(t, other.ServerID, listings[0].ServerID)
}

func TestDeleteByIdentityPrefersServerID(t *testing.T) {
	store := newTestStore(t, nil)

	first := mustAdd(t, store, waterForFood("client-A1"))
	mustAdd(t, store, models.Listing{VendorID: "client-A1", VendorName: "Al", Description: "Rice", ProductsInReturn: "Food"})

	removed, err := store.DeleteByIdentity(first.ServerID)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	count, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDeleteByOwnerMatchesStrippedIdentity(t *testing.T) {
	store := newTestStore(t, nil)

	mustAdd(t, store, waterForFood("client-A1"))
	mustAdd(t, store, models.Listing{VendorID: "A1", VendorName: "Al", Description: "Rice", ProductsInReturn: "Food"})

	removed, err := store.DeleteByOwner("host-A1")
	require.NoError(t, err)
	require.Equal(t, 2, removed)
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t, nil)
	mustAdd(t, store, waterForFood("client-A1"))

	_, err := store.DeleteByIdentity("client-nobody")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.DeleteByServerID("server_99")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.DeleteByOwner("")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClearResetsServerIDs(t *testing.T) {
	store := newTestStore(t, nil)

	mustAdd(t, store, waterForFood("client-A1"))
	mustAdd(t, store, waterForFood("client-A2"))
	require.NoError(t, store.Clear())

	count, err := store.Count()
	require.NoError(t, err)
	require.Zero(t, count)

	res := mustAdd(t, store, waterForFood("client-A1"))
	require.Equal(t, "server_1", res.ServerID)
	require.False(t, res.Duplicate)
}

func TestStopClearsListingsAndUsers(t *testing.T) {
	store := newTestStore(t, nil)
	store.Start()

	mustAdd(t, store, waterForFood("client-A1"))
	store.ActiveUsers().Register("A1")
	require.Equal(t, 1, store.ActiveUsers().Count())

	require.NoError(t, store.Stop())

	count, err := store.Count()
	require.NoError(t, err)
	require.Zero(t, count)
	require.Zero(t, store.ActiveUsers().Count())
}
