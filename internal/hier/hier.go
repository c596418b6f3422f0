// Package hier stores the metadata hierarchy: buckets, domains, groups,
// datasets and attributes, as JSON objects in the object store.
package hier

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Object kinds referenced by links.
const (
	ClassGroup   = "group"
	ClassDataset = "dataset"
)

// ErrCycle is returned when creating a link would make the group hierarchy
// cyclic.
var ErrCycle = errors.New("link would create a cycle")

// ErrExists is returned when creating something that already exists.
var ErrExists = errors.New("already exists")

// ErrNotEmpty is returned when deleting a bucket that still holds objects.
var ErrNotEmpty = errors.New("bucket not empty")

// Attribute is a small typed value stored inline with its owner's metadata
// object, never chunked.
type Attribute struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Link names a child of a group.
type Link struct {
	Class  string `json:"class"` // group or dataset
	Target string `json:"target"`
}

// Group is a container of links and attributes. Groups form a DAG rooted at
// a domain's root group; cycles are rejected at link creation.
type Group struct {
	ID         string               `json:"id"`
	Links      map[string]Link      `json:"links"`
	Attributes map[string]Attribute `json:"attributes,omitempty"`
	Created    time.Time            `json:"created"`
}

// Dataset is the metadata of a chunked array: type, geometry, attributes.
// Shape and type are immutable after creation.
type Dataset struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	Shape      []int64              `json:"shape"`
	ChunkShape []int64              `json:"chunk_shape"`
	ElemSize   int                  `json:"elem_size"`
	Fill       []byte               `json:"fill,omitempty"`
	Attributes map[string]Attribute `json:"attributes,omitempty"`
	Created    time.Time            `json:"created"`
}

// Domain is a file-like container holding one root group.
type Domain struct {
	Path       string               `json:"path"`
	Root       string               `json:"root"`
	Attributes map[string]Attribute `json:"attributes,omitempty"`
	Created    time.Time            `json:"created"`
}

// elemSizes maps dataset element types to their byte widths.
var elemSizes = map[string]int{
	"int8": 1, "uint8": 1,
	"int16": 2, "uint16": 2,
	"int32": 4, "uint32": 4, "float32": 4,
	"int64": 8, "uint64": 8, "float64": 8,
}

// ElemSizeOf returns the byte width of a dataset element type.
func ElemSizeOf(dtype string) (int, error) {
	size, ok := elemSizes[dtype]
	if !ok {
		return 0, fmt.Errorf("unknown element type %q", dtype)
	}
	return size, nil
}

// normalizeDomainPath canonicalizes a domain path to /a/b form.
func normalizeDomainPath(p string) (string, error) {
	p = path.Clean("/" + strings.Trim(p, "/"))
	if p == "/" || p == "." {
		return "", fmt.Errorf("invalid domain path %q", p)
	}
	return p, nil
}

func domainKey(prefix, domainPath string) string {
	// Slashes inside the domain path become dots so every domain is one
	// flat key under meta/domains/.
	flat := strings.ReplaceAll(strings.TrimPrefix(domainPath, "/"), "/", ".")
	return path.Join(prefix, "meta", "domains", flat+".json")
}

func groupKey(prefix, id string) string {
	return path.Join(prefix, "meta", "groups", id+".json")
}

func datasetKey(prefix, id string) string {
	return path.Join(prefix, "meta", "datasets", id+".json")
}
