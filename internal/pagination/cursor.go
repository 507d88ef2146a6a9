// Package pagination implements the keyset cursors used to list deals newest
// first. A cursor names the last deal of a page by creation time and deal id,
// and the next page starts strictly after it.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a decoded page position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque, URL-safe cursor for the deal created at
// createdAt with the given id.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 36) + "." + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor produced by Encode. An empty string means the first
// page and yields a nil cursor.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), ".")
	if !ok {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	// Deal ids are stored in canonical form; anything else cannot match a row.
	if u, err := uuid.Parse(id); err != nil || u.String() != id {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Page cuts items, fetched with limit+1, down to limit. When the extra row
// was present it returns the cursor of the last kept item.
func Page[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[limit-1])
	return items, Encode(createdAt, id), true
}
