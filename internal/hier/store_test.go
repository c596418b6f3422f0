package hier

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkgrid/chunkgrid/internal/chunkstore"
	"github.com/chunkgrid/chunkgrid/internal/grid"
	"github.com/chunkgrid/chunkgrid/internal/objstore"
)

func newTestStore(t *testing.T) (*Store, *chunkstore.Store, *objstore.MemStore) {
	t.Helper()
	mem := objstore.NewMemStore()
	chunks := chunkstore.New(chunkstore.Config{
		Objects: mem,
		Prefix:  "bucket-a",
		Logger:  zerolog.Nop(),
	})
	return New(Config{
		Objects: mem,
		Chunks:  chunks,
		Prefix:  "bucket-a",
		Logger:  zerolog.Nop(),
	}), chunks, mem
}

func TestStore_DomainLifecycle(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	domain, err := s.CreateDomain(ctx, "home/test")
	require.NoError(t, err)
	assert.Equal(t, "/home/test", domain.Path)
	require.NotEmpty(t, domain.Root)

	// The root group exists and is empty.
	root, err := s.GetGroup(ctx, domain.Root)
	require.NoError(t, err)
	assert.Empty(t, root.Links)

	// Domains are create-once.
	_, err = s.CreateDomain(ctx, "/home/test/")
	assert.ErrorIs(t, err, ErrExists)

	fetched, err := s.GetDomain(ctx, "/home/test")
	require.NoError(t, err)
	assert.Equal(t, domain.Root, fetched.Root)

	_, err = s.GetDomain(ctx, "/no/such")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestStore_LinkAndCycleRejection(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	domain, err := s.CreateDomain(ctx, "/d")
	require.NoError(t, err)
	a, err := s.CreateGroup(ctx)
	require.NoError(t, err)
	b, err := s.CreateGroup(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Link(ctx, domain.Root, "a", Link{Class: ClassGroup, Target: a.ID}))
	require.NoError(t, s.Link(ctx, a.ID, "b", Link{Class: ClassGroup, Target: b.ID}))

	// Duplicate link names are rejected.
	err = s.Link(ctx, domain.Root, "a", Link{Class: ClassGroup, Target: b.ID})
	assert.ErrorIs(t, err, ErrExists)

	// root -> a -> b; linking b -> root closes a cycle.
	err = s.Link(ctx, b.ID, "up", Link{Class: ClassGroup, Target: domain.Root})
	assert.ErrorIs(t, err, ErrCycle)

	// Self-links are cycles too.
	err = s.Link(ctx, a.ID, "self", Link{Class: ClassGroup, Target: a.ID})
	assert.ErrorIs(t, err, ErrCycle)

	// A diamond (two paths to the same group) is legal: the hierarchy is a
	// DAG, not a tree.
	require.NoError(t, s.Link(ctx, domain.Root, "b-direct", Link{Class: ClassGroup, Target: b.ID}))

	// Unlink removes the name but not the target.
	require.NoError(t, s.Unlink(ctx, domain.Root, "b-direct"))
	_, err = s.GetGroup(ctx, b.ID)
	assert.NoError(t, err)

	err = s.Unlink(ctx, domain.Root, "b-direct")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestStore_DatasetLifecycle(t *testing.T) {
	s, chunks, _ := newTestStore(t)
	ctx := context.Background()

	ds, err := s.CreateDataset(ctx, "float32", []int64{20, 20}, []int64{10, 10}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, ds.ElemSize)

	fetched, err := s.GetDataset(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, ds.Shape, fetched.Shape)

	// Unknown element types and bad geometry are rejected.
	_, err = s.CreateDataset(ctx, "complex128", []int64{4}, []int64{2}, nil)
	assert.Error(t, err)
	_, err = s.CreateDataset(ctx, "int32", []int64{4}, []int64{8}, nil)
	assert.Error(t, err)

	// Deleting the dataset removes its chunks too.
	info := ds.Info()
	_, err = chunks.WriteChunk(ctx, info, grid.Coord{0, 0}, make([]byte, info.ChunkByteSize()), "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteDataset(ctx, ds.ID))
	_, err = s.GetDataset(ctx, ds.ID)
	assert.ErrorIs(t, err, objstore.ErrNotFound)
	exists, err := chunks.ChunkExists(ctx, ds.ID, grid.Coord{0, 0})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_DeleteDomainRecursive(t *testing.T) {
	s, chunks, mem := newTestStore(t)
	ctx := context.Background()

	domain, err := s.CreateDomain(ctx, "/proj")
	require.NoError(t, err)
	sub, err := s.CreateGroup(ctx)
	require.NoError(t, err)
	ds, err := s.CreateDataset(ctx, "uint8", []int64{10}, []int64{5}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Link(ctx, domain.Root, "sub", Link{Class: ClassGroup, Target: sub.ID}))
	require.NoError(t, s.Link(ctx, sub.ID, "data", Link{Class: ClassDataset, Target: ds.ID}))

	info := ds.Info()
	_, err = chunks.WriteChunk(ctx, info, grid.Coord{0}, make([]byte, info.ChunkByteSize()), "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteDomain(ctx, "/proj"))

	assert.Equal(t, 0, mem.Len(), "nothing of the domain survives")
	_, err = s.GetDomain(ctx, "/proj")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestStore_Attributes(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	domain, err := s.CreateDomain(ctx, "/attrs")
	require.NoError(t, err)
	ds, err := s.CreateDataset(ctx, "int16", []int64{4}, []int64{2}, nil)
	require.NoError(t, err)

	attr := Attribute{Name: "units", Type: "string", Value: json.RawMessage(`"kelvin"`)}
	require.NoError(t, s.SetGroupAttribute(ctx, domain.Root, attr))
	require.NoError(t, s.SetDatasetAttribute(ctx, ds.ID, attr))

	group, err := s.GetGroup(ctx, domain.Root)
	require.NoError(t, err)
	assert.Equal(t, attr, group.Attributes["units"])

	// Attributes replace by name.
	attr2 := Attribute{Name: "units", Type: "string", Value: json.RawMessage(`"celsius"`)}
	require.NoError(t, s.SetDatasetAttribute(ctx, ds.ID, attr2))
	fetched, err := s.GetDataset(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, attr2, fetched.Attributes["units"])
	assert.Len(t, fetched.Attributes, 1)
}

func TestElemSizeOf(t *testing.T) {
	size, err := ElemSizeOf("float64")
	require.NoError(t, err)
	assert.Equal(t, 8, size)

	_, err = ElemSizeOf("bool")
	assert.Error(t, err)
}

func TestBuckets(t *testing.T) {
	mem := objstore.NewMemStore()
	b := NewBuckets(mem)
	ctx := context.Background()

	require.NoError(t, b.Create(ctx, "bucket-a"))

	exists, err := b.Exists(ctx, "bucket-a")
	require.NoError(t, err)
	assert.True(t, exists)

	// Buckets are create-once.
	assert.ErrorIs(t, b.Create(ctx, "bucket-a"), ErrExists)
	assert.Error(t, b.Create(ctx, "Bad_Name!"))

	// A non-empty bucket cannot be deleted.
	_, err = mem.Put(ctx, "bucket-a/meta/x.json", []byte("{}"), "")
	require.NoError(t, err)
	assert.ErrorIs(t, b.Delete(ctx, "bucket-a"), ErrNotEmpty)

	require.NoError(t, mem.Delete(ctx, "bucket-a/meta/x.json"))
	require.NoError(t, b.Delete(ctx, "bucket-a"))

	exists, err = b.Exists(ctx, "bucket-a")
	require.NoError(t, err)
	assert.False(t, exists)
}
