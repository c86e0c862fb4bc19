// Package certs embeds pre-generated certificates for use in tests. These
// are throwaway loopback credentials, not production material: the server
// certificate is only valid for localhost and the client certificates carry
// the principal names the tests expect.
package certs

import "embed"

//go:embed *.crt *.key
var FS embed.FS
