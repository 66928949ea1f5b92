// internal/tags/tags.go
package tags

import (
	"errors"
	"sort"
	"strings"
)

// Tags is an arbitrary key -> value mapping used to look up actors and lobbies.
type Tags map[string]string

var ErrEmptyKey = errors.New("tag keys must be non-empty")

// Canonical encodes the tag set so that two sets with the same key/value pairs
// always produce the same string, regardless of map order. Keys are sorted and
// each pair is written as key=value joined by ','. Backslash, '=' and ',' are
// escaped inside keys and values so distinct sets can never collide.
//
// The empty set encodes to the empty string.
func (t Tags) Canonical() string {
	if len(t) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeEscaped(&b, k)
		b.WriteByte('=')
		writeEscaped(&b, t[k])
	}
	return b.String()
}

// Equal reports whether both sets hold exactly the same pairs.
func (t Tags) Equal(other Tags) bool {
	if len(t) != len(other) {
		return false
	}
	for k, v := range t {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns an independent copy. A nil set clones to an empty, non-nil set.
func (t Tags) Clone() Tags {
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func (t Tags) Validate() error {
	for k := range t {
		if k == "" {
			return ErrEmptyKey
		}
	}
	return nil
}

func writeEscaped(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\', '=', ',':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
}
