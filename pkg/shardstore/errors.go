package shardstore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports a missing document, entity or index key.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists reports an entity or index key that is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrCorruptDocument reports a document that is not a valid JSON object
	// of the expected shape. Corrupt documents are never treated as empty.
	ErrCorruptDocument = errors.New("corrupt document")

	// ErrIO reports a filesystem failure other than not-found, after
	// transient failures were retried.
	ErrIO = errors.New("io failure")

	// ErrDanglingIndex reports an index entry whose entity does not exist.
	// See [DanglingIndexError].
	ErrDanglingIndex = errors.New("dangling index entry")

	// ErrInvalidPath indicates a document path failed validation.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidKey reports an index name or key that cannot be stored.
	ErrInvalidKey = errors.New("invalid key")

	// ErrUnknownIndex reports an index name not declared by the entity schema.
	ErrUnknownIndex = errors.New("unknown index")

	// ErrInvalidEntity reports an aggregate that failed schema validation.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrReadOnly reports a mutation on a store opened read-only.
	ErrReadOnly = errors.New("store is read-only")

	// ErrClosed indicates an operation was attempted on a closed store.
	ErrClosed = errors.New("store closed")
)

// Error is the error type returned by public shardstore APIs.
//
// The underlying error message appears first, followed by entity context:
//
//	already exists: index "username" key "alex.stone" -> 7 (category=user id=1049231 path=user/shard_231/user_1049231)
//
// Use [errors.Is] with the sentinel errors and [errors.As] to extract fields.
type Error struct {
	// Category of the entity, if the operation concerned one.
	Category Category

	// ID is the decimal entity ID, if known.
	ID string

	// Path is relative to the store root.
	Path string

	// Err is the underlying cause.
	Err error
}

// Error formats as "<cause> (category=X id=Y path=Z)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	suffix := e.suffix()

	switch {
	case suffix == "":
		return cause
	case cause == "":
		return suffix
	default:
		return cause + " " + suffix
	}
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

func (e *Error) suffix() string {
	var parts []string

	if e.Category != "" {
		parts = append(parts, "category="+string(e.Category))
	}

	if e.ID != "" {
		parts = append(parts, "id="+e.ID)
	}

	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}

	if len(parts) == 0 {
		return ""
	}

	return "(" + strings.Join(parts, " ") + ")"
}

// withContext attaches entity context at API boundaries and returns *Error.
// If err is already *Error, missing fields are filled in-place.
func withContext(err error, category Category, id string, path string) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		if existing.Category == "" {
			existing.Category = category
		}

		if existing.ID == "" {
			existing.ID = id
		}

		if existing.Path == "" {
			existing.Path = path
		}

		return err
	}

	return &Error{Category: category, ID: id, Path: path, Err: err}
}

// DanglingIndexError reports an index entry that still points at an entity
// which does not exist. It matches both [ErrDanglingIndex] and [ErrNotFound],
// so callers that only care about absence can keep using ErrNotFound.
type DanglingIndexError struct {
	Index string
	Key   string
	ID    uint64
}

func (e *DanglingIndexError) Error() string {
	return fmt.Sprintf("%s: index %q key %q points at missing entity %d", ErrDanglingIndex, e.Index, e.Key, e.ID)
}

// Is makes errors.Is match ErrDanglingIndex and ErrNotFound.
func (e *DanglingIndexError) Is(target error) bool {
	return target == ErrDanglingIndex || target == ErrNotFound
}
