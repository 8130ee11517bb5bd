// Package serveraddr normalizes sync server addresses into HTTP base URLs.
//
// Servers are usually configured with their streaming address:
//
//	wss://sync.example.com      (TLS)
//	ws://localhost:5000         (development)
//
// The registration call is plain HTTP, so the scheme is rewritten before any
// route is appended: wss becomes https and ws becomes http. Addresses that are
// already http or https pass through unchanged.
package serveraddr

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidAddress is returned when a server address cannot be used.
var ErrInvalidAddress = errors.New("invalid server address")

// schemeRewrites maps streaming schemes to their HTTP counterparts.
var schemeRewrites = []struct{ from, to string }{
	{"wss://", "https://"},
	{"ws://", "http://"},
}

// Normalize converts raw into an http or https base URL.
func Normalize(raw string) (*url.URL, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: address is empty", ErrInvalidAddress)
	}

	lower := strings.ToLower(s)
	for _, rw := range schemeRewrites {
		if strings.HasPrefix(lower, rw.from) {
			s = rw.to + s[len(rw.from):]
			break
		}
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, raw)
	}
	if strings.ContainsAny(u.Host, " \\") {
		return nil, fmt.Errorf("%w: host %q contains invalid characters", ErrInvalidAddress, u.Host)
	}

	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// MustNormalize is like Normalize but panics on error. Useful in tests.
func MustNormalize(raw string) *url.URL {
	u, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// Endpoint appends route to the base URL's path and returns the full URL.
func Endpoint(base *url.URL, route string) string {
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(route, "/")
	u.RawPath = ""
	return u.String()
}
