package client

import (
	"fmt"
	"strings"
)

// Version identifies one generation of the server's registration API.
type Version int

const (
	// VersionLegacy is the first-generation registration route.
	VersionLegacy Version = iota + 1
	// VersionCurrent is its successor.
	VersionCurrent
)

// String implements fmt.Stringer.
func (v Version) String() string {
	switch v {
	case VersionLegacy:
		return "legacy"
	case VersionCurrent:
		return "current"
	default:
		return fmt.Sprintf("version(%d)", int(v))
	}
}

// Order is the sequence in which endpoint versions are attempted.
type Order []Version

var (
	// CurrentFirst tries the successor route and falls back to the legacy one.
	CurrentFirst = Order{VersionCurrent, VersionLegacy}
	// LegacyFirst tries the legacy route and falls back to the successor.
	LegacyFirst = Order{VersionLegacy, VersionCurrent}
)

// ParseOrder maps a config value ("current-first", "legacy-first") to an Order.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "current-first", "current":
		return CurrentFirst, nil
	case "legacy-first", "legacy":
		return LegacyFirst, nil
	default:
		return nil, fmt.Errorf("unknown endpoint order %q: expected current-first or legacy-first", s)
	}
}

// Registration routes, relative to the server's base URL.
const (
	RouteRegisterLegacy  = "/auth/registerNewKey"
	RouteRegisterCurrent = "/auth/registerNewKeyV2"
	RouteRenewKey        = "/auth/renewKey"
)

// Flow selects which routes a registration uses and whether a failed first
// attempt may fall back to a second version.
type Flow struct {
	Name     string
	Routes   map[Version]string
	Fallback bool
}

var (
	// NewAccountFlow creates a new account. It knows both API generations and
	// falls back once.
	NewAccountFlow = Flow{
		Name: "new-account",
		Routes: map[Version]string{
			VersionLegacy:  RouteRegisterLegacy,
			VersionCurrent: RouteRegisterCurrent,
		},
		Fallback: true,
	}

	// RenewalFlow registers a replacement key against an explicit server.
	// It has a single route and never falls back.
	RenewalFlow = Flow{
		Name: "renewal",
		Routes: map[Version]string{
			VersionCurrent: RouteRenewKey,
		},
	}
)

// ParseFlow maps a flow name to its Flow.
func ParseFlow(s string) (Flow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", NewAccountFlow.Name, "new":
		return NewAccountFlow, nil
	case RenewalFlow.Name, "renew":
		return RenewalFlow, nil
	default:
		return Flow{}, fmt.Errorf("unknown registration flow %q", s)
	}
}

// step is one planned attempt.
type step struct {
	version Version
	route   string
}

// plan returns the attempts for f under order: versions the flow has no route
// for are skipped, and the result is capped at two attempts, or one when the
// flow does not fall back.
func (f Flow) plan(order Order) []step {
	limit := 1
	if f.Fallback {
		limit = 2
	}
	steps := make([]step, 0, limit)
	for _, v := range order {
		route, ok := f.Routes[v]
		if !ok {
			continue
		}
		steps = append(steps, step{version: v, route: route})
		if len(steps) == limit {
			break
		}
	}
	return steps
}
