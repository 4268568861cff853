// Package stream defines the identity that partitions the store into
// independent append-only logs.
package stream

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins the two ID components in the string form. Neither component
// may contain it.
const Separator = "/"

var (
	ErrEmptyType   = errors.New("empty stream type")
	ErrEmptyEntity = errors.New("empty stream entity")
	ErrBadID       = errors.New("malformed stream id")
)

// ID is the composite identity of one stream: the aggregate type and the
// aggregate instance. Two IDs are equal iff both components are equal, so ID
// is usable as a map key as-is.
type ID struct {
	typ    string
	entity string
}

// NewID builds a stream ID from its components.
func NewID(typ, entity string) (ID, error) {
	if typ == "" {
		return ID{}, fmt.Errorf("new stream id: %w", ErrEmptyType)
	}
	if entity == "" {
		return ID{}, fmt.Errorf("new stream id: %w", ErrEmptyEntity)
	}
	if strings.Contains(typ, Separator) {
		return ID{}, fmt.Errorf("new stream id: type %q contains %q: %w", typ, Separator, ErrBadID)
	}
	return ID{typ: typ, entity: entity}, nil
}

// MustID is NewID that panics on invalid input, for IDs known at compile time.
func MustID(typ, entity string) ID {
	id, err := NewID(typ, entity)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseID reverses String. The entity part may itself contain the separator;
// only the first occurrence splits.
func ParseID(s string) (ID, error) {
	typ, entity, found := strings.Cut(s, Separator)
	if !found {
		return ID{}, fmt.Errorf("parse stream id %q: %w", s, ErrBadID)
	}
	return NewID(typ, entity)
}

func (id ID) Type() string { return id.typ }

func (id ID) Entity() string { return id.entity }

func (id ID) IsZero() bool { return id.typ == "" && id.entity == "" }

// String renders the ID as "type/entity". This form is used as the storage
// key by every backend.
func (id ID) String() string {
	return id.typ + Separator + id.entity
}
