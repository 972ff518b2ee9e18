package shardstore

import (
	"fmt"
	"slices"
)

// Part is one sub-document of an aggregate.
type Part[A any] struct {
	// Name is the file path inside the entity directory,
	// e.g. "profile/main.json".
	Name string

	// Doc returns a pointer to the sub-document held by a. It is used both
	// to decode into and to encode from.
	Doc func(a *A) any
}

// Schema describes how an aggregate maps onto files and indexes.
type Schema[A any] struct {
	Category Category

	// Parts lists the sub-documents. Parts[0] is the primary document: its
	// presence is what makes the entity exist, so it is written last on
	// create and its absence means not found.
	Parts []Part[A]

	// Indexes lists the unique indexes this category owns.
	Indexes []string

	// Keys returns the raw key per index name. Empty keys are not indexed.
	Keys func(a *A) map[string]string

	// ID and SetID read and write the ID stored in the primary document.
	ID    func(a *A) uint64
	SetID func(a *A, id uint64)

	// Validate rejects aggregates that must not be stored. Optional.
	Validate func(a *A) error
}

func (s Schema[A]) check() error {
	if len(s.Parts) == 0 {
		return fmt.Errorf("schema %s: no parts", s.Category)
	}

	if s.ID == nil || s.SetID == nil {
		return fmt.Errorf("schema %s: ID and SetID are required", s.Category)
	}

	if len(s.Indexes) > 0 && s.Keys == nil {
		return fmt.Errorf("schema %s: Keys is required when Indexes is set", s.Category)
	}

	seen := map[string]bool{}

	for _, p := range s.Parts {
		if err := validateRelPath(p.Name, true); err != nil {
			return fmt.Errorf("schema %s: part %q: %w", s.Category, p.Name, err)
		}

		if seen[p.Name] || p.Doc == nil {
			return fmt.Errorf("schema %s: part %q duplicated or without Doc", s.Category, p.Name)
		}

		seen[p.Name] = true
	}

	for _, name := range s.Indexes {
		if err := validateIndexName(name); err != nil {
			return fmt.Errorf("schema %s: %w", s.Category, err)
		}
	}

	return nil
}

func (s Schema[A]) hasIndex(name string) bool {
	return slices.Contains(s.Indexes, name)
}

// keys returns the normalized, non-empty index keys of a.
func (s Schema[A]) keys(a *A) map[string]string {
	out := map[string]string{}
	if s.Keys == nil {
		return out
	}

	raw := s.Keys(a)

	for _, name := range s.Indexes {
		if k := NormalizeKey(raw[name]); k != "" {
			out[name] = k
		}
	}

	return out
}

// encodeParts encodes every part of a, in schema order.
func (s Schema[A]) encodeParts(a *A) ([][]byte, error) {
	out := make([][]byte, len(s.Parts))

	for i, p := range s.Parts {
		data, err := encodeObject(p.Doc(a))
		if err != nil {
			return nil, fmt.Errorf("part %s: %w", p.Name, err)
		}

		out[i] = data
	}

	return out, nil
}

func (s Schema[A]) validate(a *A) error {
	if s.Validate == nil {
		return nil
	}

	if err := s.Validate(a); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntity, err)
	}

	return nil
}
