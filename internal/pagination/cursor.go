// Package pagination implements opaque keyset cursors for order
// listings. A cursor encodes the (created_at, id) pair of the last row
// on a page, so the next page can seek past it without offsets.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var errMalformed = errors.New("malformed cursor")

// Cursor is a decoded page position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a (createdAt, id) key into a URL-safe opaque string.
func Encode(createdAt time.Time, id string) string {
	plain := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(plain))
}

// Decode unpacks a cursor produced by Encode. An empty string decodes
// to nil, meaning the first page.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	plain, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, errMalformed
	}
	nanosStr, id, ok := strings.Cut(string(plain), "|")
	if !ok {
		return nil, errMalformed
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", errMalformed)
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims an over-fetched slice down to limit. Callers fetch
// limit+1 rows; if the extra row came back there is a next page, and
// the cursor points at the last row kept.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page := items[:limit]
	createdAt, id := extractKey(page[len(page)-1])
	return page, Encode(createdAt, id), true
}
