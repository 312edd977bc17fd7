// Package pagination provides opaque position cursors for append-only lists.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors that fail to decode or belong
// to a different list.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Cursor is a position in one list, identified by scope (e.g. the sender
// whose channel index is being paged).
type Cursor struct {
	Scope    string
	Position uint64
}

// Encode returns an opaque cursor string.
func Encode(scope string, position uint64) string {
	raw := strconv.FormatUint(position, 10) + "|" + scope
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses s and checks it was issued for scope. An empty string is
// position zero.
func Decode(s, scope string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	pos, rest, ok := strings.Cut(string(raw), "|")
	if !ok || rest != scope {
		return 0, ErrInvalidCursor
	}
	n, err := strconv.ParseUint(pos, 10, 64)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	return n, nil
}

// ParseLimit reads a limit query value, falling back to DefaultLimit and
// clamping to MaxLimit.
func ParseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// ComputePage trims items fetched with limit+1 starting at from, and returns
// the next cursor when more remain.
func ComputePage[T any](items []T, limit int, scope string, from uint64) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	return items[:limit], Encode(scope, from+uint64(limit)), true
}
