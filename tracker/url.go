package tracker

import (
	"strconv"
	"strings"
)

// defaultNumWant is the number of peers requested per announce.
const defaultNumWant = 100

// queryBuilder appends parameters to a URL in call order, keeping any query
// the URL already carries.
type queryBuilder struct {
	sb   strings.Builder
	keys map[string]bool
}

func newQueryBuilder(raw string, existing []string) *queryBuilder {
	b := &queryBuilder{keys: make(map[string]bool)}
	b.sb.WriteString(raw)
	for _, k := range existing {
		b.keys[k] = true
	}
	return b
}

func (b *queryBuilder) add(key, escapedValue string) *queryBuilder {
	s := b.sb.String()
	switch {
	case !strings.Contains(s, "?"):
		b.sb.WriteByte('?')
	case !strings.HasSuffix(s, "?") && !strings.HasSuffix(s, "&"):
		b.sb.WriteByte('&')
	}
	b.sb.WriteString(key)
	b.sb.WriteByte('=')
	b.sb.WriteString(escapedValue)
	b.keys[key] = true
	return b
}

func (b *queryBuilder) addInt(key string, v int64) *queryBuilder {
	return b.add(key, strconv.FormatInt(v, 10))
}

func (b *queryBuilder) contains(key string) bool {
	return b.keys[key]
}

func (b *queryBuilder) String() string {
	return b.sb.String()
}

// escapeBytes percent-encodes every byte outside the RFC 3986 unreserved
// set, which is what trackers expect for binary info-hashes and peer ids.
func escapeBytes(b []byte) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for _, c := range b {
		if isUnreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0f])
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

// deriveScrapeURL replaces the "announce" at the start of the last path
// element with "scrape". It returns false when the announce URL does not
// follow that convention, in which case the tracker cannot be scraped.
func deriveScrapeURL(announce string) (string, bool) {
	path := announce
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	slash := strings.LastIndex(path, "/")
	if slash < 0 {
		return "", false
	}
	const word = "announce"
	rest := announce[slash+1:]
	if len(rest) < len(word) || !strings.EqualFold(rest[:len(word)], word) {
		return "", false
	}
	return announce[:slash+1] + "scrape" + rest[len(word):], true
}
