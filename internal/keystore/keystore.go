// Package keystore persists secret keys per server and character.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/keyprov/pkg/secretkey"
)

var (
	// ErrNotFound is returned when no key is stored for a server and character.
	ErrNotFound = errors.New("secret key not found")
	// ErrMultipleKeys is returned by Lookup when a character has more than one
	// key on the same server and the caller must pick one explicitly.
	ErrMultipleKeys = errors.New("character has multiple secret keys stored")
)

// Entry is one stored secret key.
type Entry struct {
	ID           uuid.UUID        `json:"id"`
	Server       string           `json:"server"`
	Character    string           `json:"character"`
	FriendlyName string           `json:"friendly_name"`
	Key          secretkey.Secret `json:"key"`
	UID          string           `json:"uid,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// FriendlyName is the label given to keys saved during setup.
func FriendlyName(t time.Time) string {
	return fmt.Sprintf("Secret Key added on Setup (%s)", t.Format("2006-01-02"))
}

// Store is the persistence interface for secret keys.
type Store interface {
	// Save stores e for its server and character, replacing the existing key
	// when exactly one is stored.
	Save(ctx context.Context, e Entry) (Entry, error)
	// Add stores e alongside any existing keys.
	Add(ctx context.Context, e Entry) (Entry, error)
	// Lookup returns the single key for server and character.
	Lookup(ctx context.Context, server, character string) (Entry, error)
	// List returns every key for server, or all keys when server is empty.
	List(ctx context.Context, server string) ([]Entry, error)
	// Delete removes the key with the given ID.
	Delete(ctx context.Context, id uuid.UUID) error
}

// prepare validates e and fills in defaults.
func prepare(e Entry, now time.Time) (Entry, error) {
	if strings.TrimSpace(e.Server) == "" {
		return Entry{}, fmt.Errorf("entry has no server")
	}
	if err := secretkey.Validate(string(e.Key)); err != nil {
		return Entry{}, err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	if e.FriendlyName == "" {
		e.FriendlyName = FriendlyName(now)
	}
	return e, nil
}

func matches(e Entry, server, character string) bool {
	return strings.EqualFold(e.Server, server) && e.Character == character
}

// upsert replaces the single entry for e's server and character, or appends
// when there is none. Several matching entries are left untouched.
func upsert(entries []Entry, e Entry) ([]Entry, Entry, error) {
	var idx []int
	for i, x := range entries {
		if matches(x, e.Server, e.Character) {
			idx = append(idx, i)
		}
	}
	switch len(idx) {
	case 0:
		return append(entries, e), e, nil
	case 1:
		e.ID = entries[idx[0]].ID
		entries[idx[0]] = e
		return entries, e, nil
	default:
		return entries, Entry{}, fmt.Errorf("%w: %d keys on %q", ErrMultipleKeys, len(idx), e.Server)
	}
}

func lookup(entries []Entry, server, character string) (Entry, error) {
	var found []Entry
	for _, e := range entries {
		if matches(e, server, character) {
			found = append(found, e)
		}
	}
	switch len(found) {
	case 0:
		return Entry{}, fmt.Errorf("%w: server %q character %q", ErrNotFound, server, character)
	case 1:
		return found[0], nil
	default:
		return Entry{}, fmt.Errorf("%w: %d keys on %q", ErrMultipleKeys, len(found), server)
	}
}

func list(entries []Entry, server string) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if server == "" || strings.EqualFold(e.Server, server) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func remove(entries []Entry, id uuid.UUID) ([]Entry, error) {
	for i, e := range entries {
		if e.ID == id {
			return append(entries[:i], entries[i+1:]...), nil
		}
	}
	return entries, fmt.Errorf("%w: id %s", ErrNotFound, id)
}
