package identity

import (
	"context"
	"fmt"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

// FromContext extracts the Principal for the verified client on the other
// end of an mTLS connection. It must only be called on contexts produced by
// a gRPC server configured with client certificate verification; a context
// without a verified peer chain yields an error.
func FromContext(ctx context.Context) (Principal, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", fmt.Errorf("no peer info in context")
	}

	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", fmt.Errorf("peer auth info is not TLS")
	}

	if len(tlsInfo.State.VerifiedChains) == 0 ||
		len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return "", fmt.Errorf("no verified chains in TLS info")
	}

	leaf := tlsInfo.State.VerifiedChains[0][0]

	principal, err := FromCommonName(leaf.Subject.CommonName)
	if err != nil {
		return "", fmt.Errorf("map common name %q: %w", leaf.Subject.CommonName, err)
	}

	return principal, nil
}
