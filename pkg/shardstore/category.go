package shardstore

import (
	"fmt"
	"slices"
)

// Category is a top-level entity namespace with its own root directory.
type Category string

// Entity categories.
const (
	CategoryUser  Category = "user"
	CategoryAdmin Category = "admin"
	CategoryPost  Category = "post"
	CategoryMedia Category = "media"
)

// Categories returns all categories in layout order.
func Categories() []Category {
	return []Category{CategoryUser, CategoryAdmin, CategoryPost, CategoryMedia}
}

// ParseCategory validates s as a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !slices.Contains(Categories(), c) {
		return "", fmt.Errorf("unknown category %q (want one of %v)", s, Categories())
	}

	return c, nil
}
