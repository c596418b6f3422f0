package hier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chunkgrid/chunkgrid/internal/chunkstore"
	"github.com/chunkgrid/chunkgrid/internal/grid"
	"github.com/chunkgrid/chunkgrid/internal/objstore"
)

// rmwAttempts bounds optimistic-write retries on metadata objects.
const rmwAttempts = 5

// Store manages the metadata hierarchy of one bucket. Mutations of shared
// metadata (group link tables, attribute maps) go through the object
// store's conditional writes, so concurrent mutators retry instead of
// clobbering each other.
type Store struct {
	objects objstore.Store
	chunks  *chunkstore.Store
	prefix  string
	logger  zerolog.Logger
}

// Config assembles a hierarchy store.
type Config struct {
	Objects objstore.Store
	Chunks  *chunkstore.Store // used for recursive dataset/domain deletion
	Prefix  string
	Logger  zerolog.Logger
}

// New creates a hierarchy store.
func New(cfg Config) *Store {
	return &Store{
		objects: cfg.Objects,
		chunks:  cfg.Chunks,
		prefix:  cfg.Prefix,
		logger:  cfg.Logger.With().Str("component", "hier").Logger(),
	}
}

// CreateDomain creates a domain and its root group. Creating an existing
// domain fails with ErrExists.
func (s *Store) CreateDomain(ctx context.Context, domainPath string) (*Domain, error) {
	norm, err := normalizeDomainPath(domainPath)
	if err != nil {
		return nil, err
	}

	root, err := s.CreateGroup(ctx)
	if err != nil {
		return nil, err
	}

	domain := &Domain{Path: norm, Root: root.ID, Created: time.Now().UTC()}
	if err := s.putJSON(ctx, domainKey(s.prefix, norm), domain, objstore.VersionAbsent); err != nil {
		if errors.Is(err, objstore.ErrVersionConflict) {
			// Roll back the orphaned root group.
			_ = s.objects.Delete(ctx, groupKey(s.prefix, root.ID))
			return nil, fmt.Errorf("domain %s: %w", norm, ErrExists)
		}
		return nil, err
	}

	s.logger.Info().Str("domain", norm).Str("root", root.ID).Msg("domain created")
	return domain, nil
}

// GetDomain fetches a domain by path.
func (s *Store) GetDomain(ctx context.Context, domainPath string) (*Domain, error) {
	norm, err := normalizeDomainPath(domainPath)
	if err != nil {
		return nil, err
	}
	var domain Domain
	if _, err := s.getJSON(ctx, domainKey(s.prefix, norm), &domain); err != nil {
		return nil, err
	}
	return &domain, nil
}

// DeleteDomain removes a domain and every group, dataset and chunk beneath
// it.
func (s *Store) DeleteDomain(ctx context.Context, domainPath string) error {
	domain, err := s.GetDomain(ctx, domainPath)
	if err != nil {
		return err
	}

	groups, datasets, err := s.collect(ctx, domain.Root)
	if err != nil {
		return err
	}

	for id := range datasets {
		if err := s.DeleteDataset(ctx, id); err != nil && !errors.Is(err, objstore.ErrNotFound) {
			return err
		}
	}
	for id := range groups {
		if err := s.objects.Delete(ctx, groupKey(s.prefix, id)); err != nil && !errors.Is(err, objstore.ErrNotFound) {
			return err
		}
	}
	if err := s.objects.Delete(ctx, domainKey(s.prefix, domain.Path)); err != nil {
		return err
	}

	s.logger.Info().Str("domain", domain.Path).Int("groups", len(groups)).Int("datasets", len(datasets)).Msg("domain deleted")
	return nil
}

// CreateGroup creates an empty, unlinked group.
func (s *Store) CreateGroup(ctx context.Context) (*Group, error) {
	group := &Group{
		ID:      "g-" + uuid.NewString(),
		Links:   make(map[string]Link),
		Created: time.Now().UTC(),
	}
	if err := s.putJSON(ctx, groupKey(s.prefix, group.ID), group, objstore.VersionAbsent); err != nil {
		return nil, err
	}
	return group, nil
}

// GetGroup fetches a group by ID.
func (s *Store) GetGroup(ctx context.Context, id string) (*Group, error) {
	var group Group
	if _, err := s.getJSON(ctx, groupKey(s.prefix, id), &group); err != nil {
		return nil, err
	}
	if group.Links == nil {
		group.Links = make(map[string]Link)
	}
	return &group, nil
}

// Link adds a named child to a group. Group links are checked against the
// hierarchy: a link whose target can already reach the parent is rejected
// with ErrCycle. Link names are unique within a group.
func (s *Store) Link(ctx context.Context, parentID, name string, link Link) error {
	if name == "" {
		return fmt.Errorf("link name is required")
	}
	if link.Class != ClassGroup && link.Class != ClassDataset {
		return fmt.Errorf("unknown link class %q", link.Class)
	}

	if link.Class == ClassGroup {
		if link.Target == parentID {
			return fmt.Errorf("link %s -> %s: %w", parentID, link.Target, ErrCycle)
		}
		reaches, err := s.reaches(ctx, link.Target, parentID)
		if err != nil {
			return err
		}
		if reaches {
			return fmt.Errorf("link %s -> %s: %w", parentID, link.Target, ErrCycle)
		}
	}

	return s.updateGroup(ctx, parentID, func(g *Group) error {
		if _, taken := g.Links[name]; taken {
			return fmt.Errorf("link %q in group %s: %w", name, parentID, ErrExists)
		}
		g.Links[name] = link
		return nil
	})
}

// Unlink removes a named child from a group. The target object itself is
// not deleted.
func (s *Store) Unlink(ctx context.Context, parentID, name string) error {
	return s.updateGroup(ctx, parentID, func(g *Group) error {
		if _, ok := g.Links[name]; !ok {
			return fmt.Errorf("link %q in group %s: %w", name, parentID, objstore.ErrNotFound)
		}
		delete(g.Links, name)
		return nil
	})
}

// CreateDataset creates dataset metadata with immutable shape and type.
func (s *Store) CreateDataset(ctx context.Context, dtype string, shape, chunkShape []int64, fill []byte) (*Dataset, error) {
	elemSize, err := ElemSizeOf(dtype)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		ID:         "d-" + uuid.NewString(),
		Type:       dtype,
		Shape:      shape,
		ChunkShape: chunkShape,
		ElemSize:   elemSize,
		Fill:       fill,
		Created:    time.Now().UTC(),
	}
	if err := ds.Info().Validate(); err != nil {
		return nil, err
	}
	if err := s.putJSON(ctx, datasetKey(s.prefix, ds.ID), ds, objstore.VersionAbsent); err != nil {
		return nil, err
	}
	return ds, nil
}

// GetDataset fetches dataset metadata by ID.
func (s *Store) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	var ds Dataset
	if _, err := s.getJSON(ctx, datasetKey(s.prefix, id), &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

// DeleteDataset removes a dataset's metadata and all of its chunks.
func (s *Store) DeleteDataset(ctx context.Context, id string) error {
	if s.chunks != nil {
		if _, err := s.chunks.DeleteDataset(ctx, id); err != nil {
			return err
		}
	}
	return s.objects.Delete(ctx, datasetKey(s.prefix, id))
}

// Info returns the chunk-level geometry of the dataset.
func (d *Dataset) Info() chunkstore.DatasetInfo {
	return chunkstore.DatasetInfo{
		ID:         d.ID,
		Shape:      grid.Shape(d.Shape),
		ChunkShape: grid.Shape(d.ChunkShape),
		ElemSize:   d.ElemSize,
		Fill:       d.Fill,
	}
}

// SetGroupAttribute writes an attribute on a group, replacing any previous
// value of the same name.
func (s *Store) SetGroupAttribute(ctx context.Context, groupID string, attr Attribute) error {
	return s.updateGroup(ctx, groupID, func(g *Group) error {
		if g.Attributes == nil {
			g.Attributes = make(map[string]Attribute)
		}
		g.Attributes[attr.Name] = attr
		return nil
	})
}

// SetDatasetAttribute writes an attribute on a dataset.
func (s *Store) SetDatasetAttribute(ctx context.Context, datasetID string, attr Attribute) error {
	key := datasetKey(s.prefix, datasetID)
	for i := 0; i < rmwAttempts; i++ {
		var ds Dataset
		version, err := s.getJSON(ctx, key, &ds)
		if err != nil {
			return err
		}
		if ds.Attributes == nil {
			ds.Attributes = make(map[string]Attribute)
		}
		ds.Attributes[attr.Name] = attr

		err = s.putJSON(ctx, key, &ds, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, objstore.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("set attribute %q on %s: %w", attr.Name, datasetID, objstore.ErrVersionConflict)
}

// reaches walks group links to decide whether from can reach to.
func (s *Store) reaches(ctx context.Context, from, to string) (bool, error) {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true, nil
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		group, err := s.GetGroup(ctx, id)
		if err != nil {
			if errors.Is(err, objstore.ErrNotFound) {
				continue
			}
			return false, err
		}
		for _, link := range group.Links {
			if link.Class == ClassGroup {
				stack = append(stack, link.Target)
			}
		}
	}
	return false, nil
}

// collect walks the hierarchy from root and returns all reachable group and
// dataset IDs.
func (s *Store) collect(ctx context.Context, root string) (groups, datasets map[string]bool, err error) {
	groups = map[string]bool{}
	datasets = map[string]bool{}
	stack := []string{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if groups[id] {
			continue
		}
		groups[id] = true

		group, err := s.GetGroup(ctx, id)
		if err != nil {
			if errors.Is(err, objstore.ErrNotFound) {
				continue
			}
			return nil, nil, err
		}
		for _, link := range group.Links {
			switch link.Class {
			case ClassGroup:
				stack = append(stack, link.Target)
			case ClassDataset:
				datasets[link.Target] = true
			}
		}
	}
	return groups, datasets, nil
}

// updateGroup applies fn to a group under the conditional-write discipline,
// retrying on collisions.
func (s *Store) updateGroup(ctx context.Context, id string, fn func(*Group) error) error {
	key := groupKey(s.prefix, id)
	for i := 0; i < rmwAttempts; i++ {
		var group Group
		version, err := s.getJSON(ctx, key, &group)
		if err != nil {
			return err
		}
		if group.Links == nil {
			group.Links = make(map[string]Link)
		}
		if err := fn(&group); err != nil {
			return err
		}

		err = s.putJSON(ctx, key, &group, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, objstore.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("update group %s: %w", id, objstore.ErrVersionConflict)
}

func (s *Store) getJSON(ctx context.Context, key string, v interface{}) (objstore.Version, error) {
	data, version, err := s.objects.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return "", fmt.Errorf("decode %s: %w", key, err)
	}
	return version, nil
}

func (s *Store) putJSON(ctx context.Context, key string, v interface{}, expected objstore.Version) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.objects.Put(ctx, key, data, expected)
	return err
}
