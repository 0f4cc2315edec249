// Package rewrite implements the file server path fix-up applied before relaying.
package rewrite

import (
	"regexp"
	"strings"
)

// EncodedSlash is the double-encoded slash under which the file server stores
// directory names that originally contained "/".
const EncodedSlash = "%252F"

// segmentPattern splits /<segment>/<prefix>_<suffix>/<rest>.
var segmentPattern = regexp.MustCompile(`^/([^/]+)/([^/]+)_([^/]+)/(.*)$`)

// triggers are the substrings of the second segment that enable the rewrite.
var triggers = []string{"CT_BRAIN", "multiclass_segmentation"}

// Path returns the effective upstream path for p and whether it was changed.
//
// Only paths of the form /<a>/<b>_<c>/<rest> whose second segment contains a
// trigger substring are changed: the slash between <a> and <b>_<c> is replaced
// by EncodedSlash. Every other byte is kept as-is.
func Path(p string) (string, bool) {
	m := segmentPattern.FindStringSubmatch(p)
	if m == nil {
		return p, false
	}

	segment, second, rest := m[1], m[2]+"_"+m[3], m[4]
	if !hasTrigger(second) {
		return p, false
	}

	return "/" + segment + EncodedSlash + second + "/" + rest, true
}

func hasTrigger(s string) bool {
	for _, t := range triggers {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

const upperhex = "0123456789ABCDEF"

// Requote turns a decoded (possibly rewritten) path into the form written on
// the request line. Existing %XX escapes are kept unless they encode an
// unreserved character, so EncodedSlash reaches the upstream unchanged.
// Bytes that cannot appear in a path are percent-encoded; '?' and '#' are
// encoded too so they cannot end the path early.
func Requote(p string) string {
	var b strings.Builder
	b.Grow(len(p))

	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c == '%' && i+2 < len(p) && ishex(p[i+1]) && ishex(p[i+2]):
			v := unhex(p[i+1])<<4 | unhex(p[i+2])
			if unreserved(v) {
				b.WriteByte(v)
			} else {
				b.WriteString(p[i : i+3])
			}
			i += 2
		case c != '%' && allowedInPath(c):
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
		}
	}

	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return c == '-' || c == '.' || c == '_' || c == '~'
}

func allowedInPath(c byte) bool {
	if unreserved(c) {
		return true
	}
	return strings.IndexByte("!$&'()*+,/:;=@[]", c) >= 0
}

func ishex(c byte) bool {
	switch {
	case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		return true
	}
	return false
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
