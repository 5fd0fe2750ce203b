package delivery

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/withDustin/targeek-image-server/internal/transform"
)

// Params are the read-path transform parameters.
type Params struct {
	Size    string
	Width   int
	Height  int
	Format  string
	Quality int
	// NoCache bypasses the response cache for reads and writes.
	NoCache bool
}

// ParseParams reads Params from a query string. Unknown or malformed values
// are ignored.
func ParseParams(q url.Values) Params {
	var p Params
	if c, ok := transform.ClassByName(q.Get("size")); ok {
		p.Size = c.Name
	}
	p.Width = positiveInt(first(q, "width", "w"))
	p.Height = positiveInt(first(q, "height", "h"))
	if f, ok := transform.NormalizeFormat(q.Get("format")); ok {
		p.Format = f
	}
	if v := positiveInt(q.Get("quality")); v <= 100 {
		p.Quality = v
	}
	if v, err := strconv.ParseBool(q.Get("cache")); err == nil {
		p.NoCache = !v
	}
	return p
}

func first(q url.Values, names ...string) string {
	for _, n := range names {
		if v := q.Get(n); v != "" {
			return v
		}
	}
	return ""
}

func positiveInt(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v <= 0 {
		return 0
	}
	return v
}

// Signature is the cache key for key rendered with p. Equivalent queries
// produce the same signature; the cache flag is not part of it.
func (p Params) Signature(key string) string {
	v := url.Values{}
	if p.Size != "" {
		v.Set("size", p.Size)
	}
	if p.Width > 0 {
		v.Set("width", strconv.Itoa(p.Width))
	}
	if p.Height > 0 {
		v.Set("height", strconv.Itoa(p.Height))
	}
	if p.Format != "" {
		v.Set("format", p.Format)
	}
	if p.Quality > 0 {
		v.Set("quality", strconv.Itoa(p.Quality))
	}
	return key + "?" + v.Encode()
}

// plain reports whether p asks for nothing beyond a size class.
func (p Params) plain(canonical string) bool {
	return p.Width == 0 && p.Height == 0 && p.Quality == 0 &&
		(p.Format == "" || p.Format == canonical)
}
