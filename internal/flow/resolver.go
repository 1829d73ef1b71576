package flow

import (
	"context"
	"fmt"
	"strings"

	"regline/internal/address"
	"regline/internal/upstream"
)

// Resolved is the canonical (event token, form id) pair every variant
// of the registration address reduces to. Immutable once produced.
type Resolved struct {
	EventToken string
	FormID     string
}

// AddressResolver is the slice of the upstream API the resolver needs.
type AddressResolver interface {
	ResolveAddress(ctx context.Context, identifier string) (upstream.ResolveResponse, error)
}

// Resolver turns an incoming address into a Resolved context with at
// most one resolution call. Short ids and slugs go through the same
// endpoint; long-form addresses resolve locally.
type Resolver struct {
	Upstream      AddressResolver
	ClosedPhrases []string
}

// Resolve maps the address to its canonical context. A closed or
// not-yet-open registration comes back as *StatusError; any other
// resolution failure is returned as a plain error which the caller
// degrades to a silent non-advancing state. No retries either way.
func (r Resolver) Resolve(ctx context.Context, addr address.Address) (Resolved, error) {
	if err := addr.Validate(); err != nil {
		return Resolved{}, err
	}
	if !addr.NeedsResolution() {
		return Resolved{EventToken: addr.EventToken, FormID: addr.FormID}, nil
	}
	resp, err := r.Upstream.ResolveAddress(ctx, addr.Identifier())
	if err != nil {
		return Resolved{}, fmt.Errorf("resolve %s address: %w", addr.Kind, err)
	}
	if !resp.Status.OK() {
		if r.isClosedMessage(resp.Message) {
			return Resolved{}, &StatusError{Message: resp.Message, Data: resp.ErrorData()}
		}
		return Resolved{}, fmt.Errorf("resolution rejected: %s", resp.Message)
	}
	data, err := resp.ResolvedData()
	if err != nil {
		return Resolved{}, err
	}
	if data.EncryptedEventData == "" {
		return Resolved{}, fmt.Errorf("resolution payload missing event token")
	}
	return Resolved{EventToken: data.EncryptedEventData, FormID: data.FormID}, nil
}

func (r Resolver) isClosedMessage(msg string) bool {
	lowered := strings.ToLower(msg)
	for _, phrase := range r.ClosedPhrases {
		if strings.Contains(lowered, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// DefaultClosedPhrases matches the messages the upstream platform uses
// for registrations that have not started or have already closed.
var DefaultClosedPhrases = []string{
	"registration closed",
	"registration is closed",
	"not started",
	"yet to start",
	"not yet open",
}
