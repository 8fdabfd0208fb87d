package artifacts

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentlabs/regent/pkg/state"
)

func TestStoreAndRetrieve(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	store := NewStore(NewMemoryBlobStore()).WithClock(func() time.Time { return now })

	payload := []byte(`{"report":"q1"}`)
	ref, err := store.Store(ctx, "report", payload, "acme", map[string]string{"content_type": "application/json"})
	require.NoError(t, err)
	assert.NotEmpty(t, ref.ArtifactID)
	assert.Equal(t, "acme", ref.TenantID)
	assert.Equal(t, int64(len(payload)), ref.SizeBytes)
	assert.Equal(t, "application/json", ref.ContentType)
	assert.Contains(t, ref.StoragePath, "blob://sha256:")

	gotRef, gotPayload, err := store.Retrieve(ctx, ref.ArtifactID, "acme")
	require.NoError(t, err)
	assert.Equal(t, ref.Hash, gotRef.Hash)
	assert.Equal(t, payload, gotPayload)
}

func TestRetrieveWrongTenantLooksMissing(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryBlobStore())

	ref, err := store.Store(ctx, "report", []byte("data"), "acme", nil)
	require.NoError(t, err)

	_, _, err = store.Retrieve(ctx, ref.ArtifactID, "globex")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Describe(ctx, ref.ArtifactID, "globex")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreValidates(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryBlobStore())

	_, err := store.Store(ctx, "", []byte("x"), "acme", nil)
	assert.Error(t, err, "missing type")

	_, err = store.Store(ctx, "report", nil, "acme", nil)
	assert.Error(t, err, "missing payload")

	_, err = store.Store(ctx, "report", []byte("x"), "", nil)
	assert.Error(t, err, "missing tenant")

	_, err = store.Store(ctx, "report", bytes.Repeat([]byte("a"), MaxArtifactSize+1), "acme", nil)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestIdenticalPayloadsShareBlob(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryBlobStore())

	a, err := store.Store(ctx, "report", []byte("same"), "acme", nil)
	require.NoError(t, err)
	b, err := store.Store(ctx, "report", []byte("same"), "acme", nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ArtifactID, b.ArtifactID)
	assert.Equal(t, a.Hash, b.Hash)
}

func TestRefIndexSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	blobs := NewMemoryBlobStore()
	cold := state.NewMemoryCold()

	store := NewStore(blobs).WithRefIndex(NewColdRefIndex(cold))
	ref, err := store.Store(ctx, "report", []byte(`{"total":42}`), "acme", nil)
	require.NoError(t, err)

	// A fresh store over the same backends has an empty in-memory cache;
	// retrieval must come back through the durable index.
	reborn := NewStore(blobs).WithRefIndex(NewColdRefIndex(cold))
	gotRef, payload, err := reborn.Retrieve(ctx, ref.ArtifactID, "acme")
	require.NoError(t, err)
	assert.Equal(t, ref.Hash, gotRef.Hash)
	assert.Equal(t, []byte(`{"total":42}`), payload)

	desc, err := reborn.Describe(ctx, ref.ArtifactID, "acme")
	require.NoError(t, err)
	assert.Equal(t, ref.ArtifactID, desc.ArtifactID)

	// Tenant scoping holds on the index path too.
	_, _, err = reborn.Retrieve(ctx, ref.ArtifactID, "globex")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBlobStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	hash, err := blobs.Put(ctx, []byte("blob body"))
	require.NoError(t, err)

	// Idempotent re-put.
	again, err := blobs.Put(ctx, []byte("blob body"))
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	data, err := blobs.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob body"), data)

	ok, err := blobs.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, blobs.Delete(ctx, hash))
	ok, err = blobs.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlobStoreRejectsBadHash(t *testing.T) {
	ctx := context.Background()
	blobs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	_, err = blobs.Get(ctx, "md5:abcd")
	assert.Error(t, err)

	_, err = blobs.Get(ctx, "sha256:nothex!")
	assert.Error(t, err)
}
