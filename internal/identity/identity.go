// Package identity maps verified client identities to authorization
// principals.
//
// The transport layer verifies the client certificate chain during the mTLS
// handshake; all this package sees is the subject common name extracted from
// that verified certificate. A Principal is treated as an opaque username
// throughout the rest of the system.
package identity

import (
	"errors"
	"strings"
)

// ErrUnauthorizedIdentity is returned when a presented identity cannot be
// mapped to a principal.
var ErrUnauthorizedIdentity = errors.New("unauthorized identity")

// Principal is the authorization identity a job is owned by.
type Principal string

// FromCommonName maps a verified certificate common name to a Principal.
// It is a pure function: no lookups, no side effects. An empty or
// whitespace-only common name cannot be mapped.
func FromCommonName(cn string) (Principal, error) {
	cn = strings.TrimSpace(cn)
	if cn == "" {
		return "", ErrUnauthorizedIdentity
	}

	return Principal(cn), nil
}
