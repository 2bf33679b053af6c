// Package keychain derives the cache-key fingerprint for a request and the
// fixed set of co-located store keys ("the key chain") that hold its
// metadata, body-entity set, collapse lock, and replica set.
//
// Both functions in this package are pure: no I/O, deterministic, and
// collision-free across any root string (the suffixes are fixed, distinct
// ASCII tokens and none is a suffix of another, so two chains share a key
// only if their roots are equal).
package keychain

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const separator = "::"

// Chain is the set of keys derived from a single request fingerprint.
type Chain struct {
	// Root is the fingerprint itself; also the channel name used by the
	// collapse coordinator's pub/sub.
	Root string

	// Main holds the metadata field map (status, expires, uri, entity,
	// h:<name> header fields).
	Main string

	// Entities holds the set of every entity id ever written for Root,
	// used by the background worker's garbage collector.
	Entities string

	// FetchingLock is the ephemeral SETNX lock used by the collapse
	// coordinator; present only while an origin fetch is in flight.
	FetchingLock string

	// RepSet holds pending subscribers/replicas for wildcard revalidation
	// tracking.
	RepSet string
}

// Keys returns every key in the chain, in a stable order, for bulk
// operations like EXPIRE-everything during a purge.
func (c Chain) Keys() []string {
	return []string{c.Main, c.Entities, c.FetchingLock, c.RepSet}
}

// For derives the full key chain for a fingerprint root.
func For(root string) Chain {
	return Chain{
		Root:         root,
		Main:         root + separator + "main",
		Entities:     root + separator + "entities",
		FetchingLock: root + separator + "fetching_lock",
		RepSet:       root + separator + "repset",
	}
}

// Fingerprint derives the cache-key root for req: method + scheme + host +
// path + normalized (sorted) query string.
func Fingerprint(req *http.Request) string {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	return FingerprintParts(req.Method, scheme, host, req.URL.Path, req.URL.RawQuery)
}

// FingerprintParts builds a fingerprint from explicit parts, for callers
// (e.g. the background worker replaying a stored URI) that don't have a
// live *http.Request.
func FingerprintParts(method, scheme, host, path, rawQuery string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if q := normalizeQuery(rawQuery); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

// normalizeQuery sorts query parameters by key (and by value within a key)
// so that semantically identical query strings always fingerprint the same.
func normalizeQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(pairs, "&")
}
