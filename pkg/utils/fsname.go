package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

const maxSegmentBytes = 100

// PathSegment turns an arbitrary string (crawler key, host, URL path segment) into a
// single file name component. Never returns "", "." or "..".
func PathSegment(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(`<>:"/\|?*`, r) {
			r = '_'
		}
		if r == '_' && lastUnderscore {
			continue
		}
		lastUnderscore = r == '_'
		b.WriteRune(r)
	}

	s := strings.Trim(b.String(), "_ ")
	if len(s) > maxSegmentBytes {
		cut := maxSegmentBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = strings.Trim(s[:cut], "_ ")
	}
	if s == "" || s == "." || s == ".." {
		return "untitled"
	}
	return s
}

// SHA256Hex returns the hex SHA-256 of data
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
