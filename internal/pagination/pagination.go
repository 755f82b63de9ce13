// Package pagination pages newest-first lists with opaque cursors.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Cursor is the position of the last item of a page. Lists are ordered by
// At descending, then ID ascending.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(at time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", at.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{
		At: time.Unix(0, nanos).UTC(),
		ID: parts[1],
	}, nil
}

// ParseLimit reads a limit query value. Empty means DefaultLimit; values
// above MaxLimit are clamped.
func ParseLimit(s string) (int, error) {
	if s == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, MaxLimit), nil
}

// after reports whether (at, id) sorts strictly after c.
func (c *Cursor) after(at time.Time, id string) bool {
	if !at.Equal(c.At) {
		return at.Before(c.At)
	}
	return id > c.ID
}

// Page returns up to limit items of an already sorted list, starting after
// cursor (nil for the first page), plus the cursor for the next page.
// The next cursor is empty on the last page.
func Page[T any](items []T, limit int, cursor *Cursor, key func(T) (time.Time, string)) ([]T, string) {
	start := 0
	if cursor != nil {
		for start < len(items) {
			at, id := key(items[start])
			if cursor.after(at, id) {
				break
			}
			start++
		}
	}
	items = items[start:]

	if limit <= 0 || len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return items, Encode(at, id)
}
