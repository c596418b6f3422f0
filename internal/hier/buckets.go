package hier

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/chunkgrid/chunkgrid/internal/objstore"
)

// bucketMarker is the object that makes an empty bucket exist.
const bucketMarker = ".bucket"

var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{2,62}$`)

// Buckets manages bucket namespaces. A bucket is immutable once created and
// can only be deleted while empty.
type Buckets struct {
	objects objstore.Store
}

// NewBuckets creates a bucket manager over an object store.
func NewBuckets(objects objstore.Store) *Buckets {
	return &Buckets{objects: objects}
}

// Create makes a bucket. Creating an existing bucket fails with ErrExists.
func (b *Buckets) Create(ctx context.Context, name string) error {
	if !bucketNameRe.MatchString(name) {
		return fmt.Errorf("invalid bucket name %q", name)
	}
	_, err := b.objects.Put(ctx, name+"/"+bucketMarker, []byte{}, objstore.VersionAbsent)
	if errors.Is(err, objstore.ErrVersionConflict) {
		return fmt.Errorf("bucket %s: %w", name, ErrExists)
	}
	return err
}

// Exists reports whether the bucket exists.
func (b *Buckets) Exists(ctx context.Context, name string) (bool, error) {
	return b.objects.Exists(ctx, name+"/"+bucketMarker)
}

// Delete removes an empty bucket. A bucket still holding objects fails
// with ErrNotEmpty.
func (b *Buckets) Delete(ctx context.Context, name string) error {
	keys, _, err := b.objects.List(ctx, name+"/", "", 2)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if key != name+"/"+bucketMarker {
			return fmt.Errorf("bucket %s: %w", name, ErrNotEmpty)
		}
	}
	return b.objects.Delete(ctx, name+"/"+bucketMarker)
}
