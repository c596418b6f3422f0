// Package chunkstore maps dataset chunk coordinates onto object storage keys
// and performs range-aware chunk reads and writes on top of the objstore
// contract.
package chunkstore

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/chunkgrid/chunkgrid/internal/grid"
	"github.com/chunkgrid/chunkgrid/internal/objstore"
)

// DatasetInfo carries the chunk-level geometry of a dataset: its shape,
// chunk shape, element size and fill value. Shape and type are immutable
// after dataset creation.
type DatasetInfo struct {
	ID         string     `json:"id"`
	Shape      grid.Shape `json:"shape"`
	ChunkShape grid.Shape `json:"chunk_shape"`
	ElemSize   int        `json:"elem_size"`
	Fill       []byte     `json:"fill,omitempty"` // one element; nil means zero
}

// Validate checks the dataset geometry for consistency.
func (d DatasetInfo) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("dataset id is required")
	}
	if err := d.Shape.Validate(); err != nil {
		return fmt.Errorf("dataset shape: %w", err)
	}
	if err := d.ChunkShape.Validate(); err != nil {
		return fmt.Errorf("chunk shape: %w", err)
	}
	if len(d.Shape) != len(d.ChunkShape) {
		return fmt.Errorf("chunk shape rank %d does not match dataset rank %d", len(d.ChunkShape), len(d.Shape))
	}
	for i := range d.Shape {
		if d.ChunkShape[i] > d.Shape[i] {
			return fmt.Errorf("chunk extent %d exceeds dataset extent in dimension %d", d.ChunkShape[i], i)
		}
	}
	if d.ElemSize <= 0 {
		return fmt.Errorf("element size must be positive, got %d", d.ElemSize)
	}
	if d.Fill != nil && len(d.Fill) != d.ElemSize {
		return fmt.Errorf("fill value is %d bytes, element size is %d", len(d.Fill), d.ElemSize)
	}
	return nil
}

// ChunkByteSize returns the size of one chunk's uncompressed byte image.
func (d DatasetInfo) ChunkByteSize() int64 {
	return d.ChunkShape.NumElements() * int64(d.ElemSize)
}

// FillChunk returns a full chunk image of the fill value.
func (d DatasetInfo) FillChunk() []byte {
	return grid.FillBytes(d.Fill, d.ElemSize, d.ChunkShape.NumElements())
}

// ChunkKey computes the object key for a chunk. The key is a pure function
// of (prefix, dataset id, coordinate): the only addressing scheme by which
// a chunk can be discovered, and identical on every process that computes
// it.
func ChunkKey(prefix, datasetID string, coord grid.Coord) string {
	return path.Join(prefix, "db", datasetID, "c_"+coord.String())
}

// ByteRange selects a span within a chunk's uncompressed byte image.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// Config assembles a chunk store.
type Config struct {
	Objects  objstore.Store
	Prefix   string // bucket-scoped key prefix
	Compress bool   // zstd-compress chunk images at rest
	Logger   zerolog.Logger
}

// Store performs chunk-level reads and writes against an object store.
// Chunk mutation concurrency is handled entirely through the object store's
// conditional writes; the store itself holds no chunk-level locks.
type Store struct {
	objects  objstore.Store
	prefix   string
	compress bool
	logger   zerolog.Logger

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// New creates a chunk store over the given object store.
func New(cfg Config) *Store {
	s := &Store{
		objects:  cfg.Objects,
		prefix:   cfg.Prefix,
		compress: cfg.Compress,
		logger:   cfg.Logger.With().Str("component", "chunkstore").Logger(),
	}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return s
}

// Key returns the object key for a chunk of a dataset.
func (s *Store) Key(datasetID string, coord grid.Coord) string {
	return ChunkKey(s.prefix, datasetID, coord)
}

// ReadChunk returns the full uncompressed chunk image and its version. A
// chunk that was never written is synthesized from the dataset's fill value
// and returned with an empty version.
func (s *Store) ReadChunk(ctx context.Context, ds DatasetInfo, coord grid.Coord) ([]byte, objstore.Version, error) {
	stored, version, err := s.objects.Get(ctx, s.Key(ds.ID, coord))
	if err == objstore.ErrNotFound {
		return ds.FillChunk(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	data, err := s.decode(stored)
	if err != nil {
		return nil, "", fmt.Errorf("decode chunk %s/%s: %w", ds.ID, coord, err)
	}
	if int64(len(data)) != ds.ChunkByteSize() {
		return nil, "", fmt.Errorf("chunk %s/%s is %d bytes, expected %d", ds.ID, coord, len(data), ds.ChunkByteSize())
	}
	return data, version, nil
}

// ReadChunkRange returns a byte span of the chunk image, synthesizing fill
// bytes when the chunk is absent.
func (s *Store) ReadChunkRange(ctx context.Context, ds DatasetInfo, coord grid.Coord, rng ByteRange) ([]byte, objstore.Version, error) {
	if rng.Offset < 0 || rng.Length < 0 || rng.Offset+rng.Length > ds.ChunkByteSize() {
		return nil, "", fmt.Errorf("range [%d,%d) outside chunk of %d bytes", rng.Offset, rng.Offset+rng.Length, ds.ChunkByteSize())
	}
	data, version, err := s.ReadChunk(ctx, ds, coord)
	if err != nil {
		return nil, "", err
	}
	return data[rng.Offset : rng.Offset+rng.Length], version, nil
}

// ChunkExists reports whether the chunk object is actually present. This is
// the existence-only probe: unlike ReadChunk it does distinguish a missing
// chunk from a fill-value chunk.
func (s *Store) ChunkExists(ctx context.Context, datasetID string, coord grid.Coord) (bool, error) {
	return s.objects.Exists(ctx, ChunkKey(s.prefix, datasetID, coord))
}

// WriteChunk stores a full chunk image under the conditional-write
// discipline of the object store.
func (s *Store) WriteChunk(ctx context.Context, ds DatasetInfo, coord grid.Coord, data []byte, expected objstore.Version) (objstore.Version, error) {
	if int64(len(data)) != ds.ChunkByteSize() {
		return "", fmt.Errorf("chunk image is %d bytes, expected %d", len(data), ds.ChunkByteSize())
	}
	return s.objects.Put(ctx, s.Key(ds.ID, coord), s.encode(data), expected)
}

// WriteChunkRange performs a sub-chunk write as a read-modify-write cycle
// under the same conditional-write discipline: concurrent overlapping
// writers either see their modification applied on a fresh version or get
// ErrVersionConflict and must re-read and retry. No write is silently lost.
func (s *Store) WriteChunkRange(ctx context.Context, ds DatasetInfo, coord grid.Coord, off int64, data []byte, expected objstore.Version) (objstore.Version, error) {
	if off < 0 || off+int64(len(data)) > ds.ChunkByteSize() {
		return "", fmt.Errorf("range [%d,%d) outside chunk of %d bytes", off, off+int64(len(data)), ds.ChunkByteSize())
	}

	image, current, err := s.ReadChunk(ctx, ds, coord)
	if err != nil {
		return "", err
	}
	if expected != "" && expected != objstore.VersionAbsent && expected != current {
		return "", objstore.ErrVersionConflict
	}
	if expected == objstore.VersionAbsent && current != "" {
		return "", objstore.ErrVersionConflict
	}

	copy(image[off:], data)

	// Guard the put with the version observed during the read so a racing
	// writer is detected by the backend.
	guard := current
	if guard == "" {
		guard = objstore.VersionAbsent
	}
	return s.objects.Put(ctx, s.Key(ds.ID, coord), s.encode(image), guard)
}

// DeleteChunk removes a chunk object. Deleting an absent chunk is not an
// error: the chunk is simply back to fill value.
func (s *Store) DeleteChunk(ctx context.Context, datasetID string, coord grid.Coord) error {
	err := s.objects.Delete(ctx, ChunkKey(s.prefix, datasetID, coord))
	if err == objstore.ErrNotFound {
		return nil
	}
	return err
}

// DeleteDataset removes every chunk object of a dataset and returns the
// number deleted. Used by recursive domain deletion.
func (s *Store) DeleteDataset(ctx context.Context, datasetID string) (int, error) {
	prefix := path.Join(s.prefix, "db", datasetID) + "/"
	deleted := 0
	token := ""
	for {
		keys, next, err := s.objects.List(ctx, prefix, token, 256)
		if err != nil {
			return deleted, err
		}
		for _, key := range keys {
			if err := s.objects.Delete(ctx, key); err != nil && err != objstore.ErrNotFound {
				return deleted, err
			}
			deleted++
		}
		if next == "" {
			break
		}
		token = next
	}

	s.logger.Debug().Str("dataset", datasetID).Int("chunks", deleted).Msg("deleted dataset chunks")
	return deleted, nil
}

func (s *Store) encode(data []byte) []byte {
	if !s.compress {
		return data
	}
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (s *Store) decode(data []byte) ([]byte, error) {
	if !s.compress {
		return data, nil
	}
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}
