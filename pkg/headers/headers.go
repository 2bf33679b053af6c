// Package headers provides a case-preserving, insertion-order-preserving
// header bag and Cache-Control parsing shared across the cache pipeline.
package headers

import (
	"net/http"
	"strconv"
	"strings"
)

// Bag is an insertion-order-preserving mapping from case-preserving header
// name to value. Repeated values for the same name are comma-joined, the
// way http.Header collapses them for display.
type Bag struct {
	names  []string
	values map[string]string
	lookup map[string]string // lowercase name -> canonical name
}

// NewBag creates an empty header bag.
func NewBag() *Bag {
	return &Bag{
		values: make(map[string]string),
		lookup: make(map[string]string),
	}
}

// FromHTTPHeader builds a Bag from a standard http.Header, preserving the
// origin's capitalization for each header name.
func FromHTTPHeader(h http.Header) *Bag {
	b := NewBag()
	for name, values := range h {
		b.Set(name, strings.Join(values, ", "))
	}
	return b
}

// Set stores value under name, preserving name's original capitalization.
// A second Set for a name already present (case-insensitively) comma-joins.
func (b *Bag) Set(name, value string) {
	key := strings.ToLower(name)
	if canonical, ok := b.lookup[key]; ok {
		b.values[canonical] = b.values[canonical] + ", " + value
		return
	}
	b.lookup[key] = name
	b.names = append(b.names, name)
	b.values[name] = value
}

// Get returns the value stored for name, case-insensitively.
func (b *Bag) Get(name string) (string, bool) {
	canonical, ok := b.lookup[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	v, ok := b.values[canonical]
	return v, ok
}

// Names returns header names in insertion order.
func (b *Bag) Names() []string {
	return b.names
}

// ToHTTPHeader renders the bag back into a standard http.Header.
func (b *Bag) ToHTTPHeader() http.Header {
	h := make(http.Header, len(b.names))
	for _, name := range b.names {
		h.Set(name, b.values[name])
	}
	return h
}

// CacheControl is a parsed Cache-Control header: a set of directive tokens,
// some of which carry a value (e.g. max-age=3600).
type CacheControl struct {
	directives map[string]string
}

// ParseCacheControl splits a Cache-Control header value into directives.
func ParseCacheControl(header string) CacheControl {
	m := make(map[string]string)
	if header == "" {
		return CacheControl{m}
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		m[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return CacheControl{m}
}

// Has reports whether directive is present, regardless of value.
func (c CacheControl) Has(directive string) bool {
	_, ok := c.directives[directive]
	return ok
}

// MaxAge returns the max-age directive's value in seconds, if present and
// well-formed.
func (c CacheControl) MaxAge() (int, bool) {
	v, ok := c.directives["max-age"]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
