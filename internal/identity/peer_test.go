package identity_test

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"testing"

	"github.com/wardenrun/warden/internal/identity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

func peerContext(t *testing.T, cn string) *peer.Peer {
	t.Helper()

	cert := &x509.Certificate{
		Subject: pkix.Name{CommonName: cn},
	}

	return &peer.Peer{
		AuthInfo: credentials.TLSInfo{
			State: tls.ConnectionState{
				VerifiedChains: [][]*x509.Certificate{{cert}},
			},
		},
	}
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	t.Run("Test peer with verified certificate", func(t *testing.T) {
		t.Parallel()

		ctx := peer.NewContext(t.Context(), peerContext(t, "alice"))

		principal, err := identity.FromContext(ctx)
		if err != nil {
			t.Errorf("expected not to get error: got '%v'", err)
		}

		if principal != identity.Principal("alice") {
			t.Errorf(
				"expected principal: got '%v', want '%v'",
				principal,
				"alice",
			)
		}
	})

	t.Run("Test peer with empty common name", func(t *testing.T) {
		t.Parallel()

		ctx := peer.NewContext(t.Context(), peerContext(t, ""))

		if _, err := identity.FromContext(ctx); !errors.Is(err, identity.ErrUnauthorizedIdentity) {
			t.Errorf(
				"expected unauthorized identity error: got '%v'",
				err,
			)
		}
	})

	t.Run("Test context without peer info", func(t *testing.T) {
		t.Parallel()

		if _, err := identity.FromContext(t.Context()); err == nil {
			t.Error("expected to get error")
		}
	})

	t.Run("Test peer without TLS auth info", func(t *testing.T) {
		t.Parallel()

		ctx := peer.NewContext(t.Context(), &peer.Peer{})

		if _, err := identity.FromContext(ctx); err == nil {
			t.Error("expected to get error")
		}
	})

	t.Run("Test peer without verified chains", func(t *testing.T) {
		t.Parallel()

		ctx := peer.NewContext(t.Context(), &peer.Peer{
			AuthInfo: credentials.TLSInfo{},
		})

		if _, err := identity.FromContext(ctx); err == nil {
			t.Error("expected to get error")
		}
	})
}
