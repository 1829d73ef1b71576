// Package address classifies the three ways a visitor can reach the
// registration flow: a long pre-encrypted event token, a legacy short
// id, or a human-readable event slug.
package address

import (
	"errors"
	"net/url"
	"strings"
)

// Kind discriminates the address variants.
type Kind string

const (
	KindLong  Kind = "long"
	KindShort Kind = "short"
	KindSlug  Kind = "slug"
)

// Address is exactly one of the three variants per page load.
type Address struct {
	Kind Kind

	// EventToken is set for KindLong only.
	EventToken string
	// FormID is the optional explicit form id carried by long-form URLs.
	FormID string
	// ShortID is set for KindShort only.
	ShortID string
	// Slug is set for KindSlug only.
	Slug string
}

// NeedsResolution reports whether the address must go through the
// resolution endpoint before event/form fetches can be issued.
func (a Address) NeedsResolution() bool {
	return a.Kind != KindLong
}

// Identifier returns the value passed to the resolution endpoint. Short
// ids and slugs resolve through the same call, differing only here.
func (a Address) Identifier() string {
	if a.Kind == KindShort {
		return a.ShortID
	}
	return a.Slug
}

var ErrUnrecognized = errors.New("unrecognized registration address")

// Long builds a long-form address from a token and optional form id.
func Long(eventToken, formID string) Address {
	return Address{Kind: KindLong, EventToken: eventToken, FormID: formID}
}

// Short builds a legacy short-id address.
func Short(id string) Address {
	return Address{Kind: KindShort, ShortID: id}
}

// Slug builds a slug address.
func Slug(slug string) Address {
	return Address{Kind: KindSlug, Slug: slug}
}

// Parse classifies a registration URL. Recognized shapes:
//
//	/register/{eventToken}[?form_id={id}] -> long form
//	/r/{shortId}                          -> legacy short id
//	/e/{slug}                             -> slug
func Parse(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, err
	}
	segs := splitPath(u.Path)
	if len(segs) != 2 {
		return Address{}, ErrUnrecognized
	}
	switch segs[0] {
	case "register":
		return Long(segs[1], u.Query().Get("form_id")), nil
	case "r":
		return Short(segs[1]), nil
	case "e":
		return Slug(segs[1]), nil
	}
	return Address{}, ErrUnrecognized
}

func splitPath(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Validate checks that exactly one variant is populated.
func (a Address) Validate() error {
	switch a.Kind {
	case KindLong:
		if a.EventToken == "" {
			return errors.New("long-form address requires event token")
		}
		if a.ShortID != "" || a.Slug != "" {
			return errors.New("long-form address must not carry short id or slug")
		}
	case KindShort:
		if a.ShortID == "" {
			return errors.New("short-form address requires short id")
		}
		if a.EventToken != "" || a.Slug != "" {
			return errors.New("short-form address must not carry token or slug")
		}
	case KindSlug:
		if a.Slug == "" {
			return errors.New("slug address requires slug")
		}
		if a.EventToken != "" || a.ShortID != "" {
			return errors.New("slug address must not carry token or short id")
		}
	default:
		return ErrUnrecognized
	}
	return nil
}
