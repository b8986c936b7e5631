// Package dedupe answers whether a phone number already belongs to a stored
// client, comparing canonical forms so "+254 782 830 524" matches "0782830524".
package dedupe

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/phone"
	"github.com/sells-group/clientbook/internal/store"
)

// ClientLister is the slice of the store the checker reads.
type ClientLister interface {
	ListClients(ctx context.Context, filter store.ClientFilter) ([]model.Client, error)
}

// Checker finds existing clients sharing a phone number.
type Checker struct {
	clients ClientLister
}

// New creates a Checker over the given client source.
func New(clients ClientLister) *Checker {
	return &Checker{clients: clients}
}

// IsDuplicate reports whether any canonical number in rawPhone is already
// stored for a client in branch (all branches when branch is empty), ignoring
// the client with ID excludeID.
func (c *Checker) IsDuplicate(ctx context.Context, rawPhone, branch, excludeID string) (bool, error) {
	match, err := c.Find(ctx, rawPhone, branch, excludeID)
	if err != nil {
		return false, err
	}
	return match != nil, nil
}

// Find returns the first stored client that shares a number with rawPhone,
// or nil when there is none.
func (c *Checker) Find(ctx context.Context, rawPhone, branch, excludeID string) (*model.Client, error) {
	input := phone.ParseAll(rawPhone).Numbers
	if len(input) == 0 {
		return nil, nil
	}

	candidates, err := c.clients.ListClients(ctx, store.ClientFilter{Branch: strings.TrimSpace(branch)})
	if err != nil {
		return nil, eris.Wrap(err, "dedupe: list clients")
	}

	wanted := make(map[string]struct{}, len(input))
	for _, n := range input {
		wanted[n] = struct{}{}
	}

	for i := range candidates {
		cand := &candidates[i]
		if excludeID != "" && cand.ID == excludeID {
			continue
		}
		if matches(wanted, cand.PhoneNumber) {
			return cand, nil
		}
	}
	return nil, nil
}

func matches(wanted map[string]struct{}, stored string) bool {
	// Legacy rows may hold a value the normalizer no longer accepts; compare
	// the raw trimmed text too.
	if _, ok := wanted[strings.TrimSpace(stored)]; ok {
		return true
	}
	for _, n := range phone.ParseAll(stored).Numbers {
		if _, ok := wanted[n]; ok {
			return true
		}
	}
	return false
}
