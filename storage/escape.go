package storage

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// EscapeDocID maps a document ID onto the identifier-safe alphabet
// [a-z0-9_]. Every other code point, upper-case letters included, becomes
// _x<hex>_ so that IDs differing only in case stay distinct in stores whose
// identifiers are case-insensitive. An underscore that is directly followed
// by 'x' is escaped as well so the mapping stays reversible.
func EscapeDocID(docID string) string {
	var b strings.Builder
	b.Grow(len(docID))
	for i, r := range docID {
		switch {
		case r == '_' && i+1 < len(docID) && docID[i+1] == 'x':
			writeEscaped(&b, r)
		case isSafe(r):
			b.WriteRune(r)
		default:
			writeEscaped(&b, r)
		}
	}
	return b.String()
}

// UnescapeDocID reverses EscapeDocID.
func UnescapeDocID(escaped string) (string, error) {
	var b strings.Builder
	b.Grow(len(escaped))
	for i := 0; i < len(escaped); {
		c := escaped[i]
		if c != '_' || i+1 >= len(escaped) || escaped[i+1] != 'x' {
			if c != '_' && !isSafe(rune(c)) {
				return "", fmt.Errorf("%w: unexpected byte %q at %d", ErrBadEscape, c, i)
			}
			b.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(escaped[i+2:], '_')
		if end <= 0 {
			return "", fmt.Errorf("%w: unterminated escape at %d", ErrBadEscape, i)
		}
		hex := escaped[i+2 : i+2+end]
		cp, err := strconv.ParseUint(hex, 16, 32)
		if err != nil || !utf8.ValidRune(rune(cp)) {
			return "", fmt.Errorf("%w: bad code point %q at %d", ErrBadEscape, hex, i)
		}
		b.WriteRune(rune(cp))
		i += 2 + end + 1
	}
	return b.String(), nil
}

// MaxDocIDLength bounds a document ID in bytes, before escaping.
const MaxDocIDLength = 1024

// ValidateDocID rejects IDs that are empty, too long or cannot be escaped
// losslessly.
func ValidateDocID(docID string) error {
	if docID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDocID)
	}
	if len(docID) > MaxDocIDLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidDocID, len(docID), MaxDocIDLength)
	}
	if !utf8.ValidString(docID) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidDocID)
	}
	return nil
}

func writeEscaped(b *strings.Builder, r rune) {
	b.WriteString("_x")
	b.WriteString(strconv.FormatInt(int64(r), 16))
	b.WriteByte('_')
}

func isSafe(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= '0' && r <= '9')
}
