// Package pagination pages newest-first result sets with opaque cursors.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/safetrade/internal/faults"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

var errInvalidCursor = fmt.Errorf("%w: invalid cursor", faults.ErrInvalidInput)

// Key is the sort position of one item: creation time, then id as a
// tie-breaker. Lists are ordered by Key descending.
type Key struct {
	At time.Time `json:"t"`
	ID string    `json:"i"`
}

// newerThan reports whether k sorts before o in a newest-first list.
func (k Key) newerThan(o Key) bool {
	if !k.At.Equal(o.At) {
		return k.At.After(o.At)
	}
	return k.ID > o.ID
}

// Encode returns the opaque cursor for k.
func (k Key) Encode() string {
	raw, _ := json.Marshal(Key{At: k.At.UTC(), ID: k.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a cursor produced by Key.Encode. An empty string yields nil.
func Decode(cursor string) (*Key, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, errInvalidCursor
	}
	var k Key
	if err := json.Unmarshal(raw, &k); err != nil || k.ID == "" {
		return nil, errInvalidCursor
	}
	return &k, nil
}

// Page is one slice of a newest-first result set.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// ClampLimit applies the default and the upper bound to a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// Paginate returns the page of items that follows cursor. items must already
// be sorted newest first; key extracts each item's position.
func Paginate[T any](items []T, cursor string, limit int, key func(T) (time.Time, string)) (Page[T], error) {
	after, err := Decode(cursor)
	if err != nil {
		return Page[T]{}, err
	}
	limit = ClampLimit(limit)

	keyOf := func(i int) Key {
		at, id := key(items[i])
		return Key{At: at, ID: id}
	}

	start := 0
	if after != nil {
		start = sort.Search(len(items), func(i int) bool { return after.newerThan(keyOf(i)) })
	}
	rest := items[start:]

	page := Page[T]{Items: rest}
	if len(rest) > limit {
		page.Items = rest[:limit]
		page.HasMore = true
		page.NextCursor = keyOf(start + limit - 1).Encode()
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	return page, nil
}
