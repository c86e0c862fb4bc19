// Package wrapper launches job processes into fresh PID, mount, and network
// namespaces with cgroup limits applied before the target command runs.
//
// The wrapper is the server binary re-executed via /proc/self/exe with a
// hidden subcommand. The parent side (Launch) clones the child directly into
// its cgroup with new namespaces, performs host-side network plumbing, and
// waits for launch confirmation. The child side (RunShim) performs the
// in-namespace setup sequence and then replaces itself with the target
// command.
//
// The two sides talk over inherited pipes:
//
//	fd 3 — spec pipe: parent writes the CBOR-encoded launch spec followed by
//	       a single proceed byte once host-side setup is complete.
//	fd 4 — status pipe: marked close-on-exec by the shim. The parent reading
//	       EOF means the exec happened; any payload is the failure report
//	       naming the setup step that broke.
//
// This is the same trick the standard library uses to report exec failures
// from forked children, extended with a step name so a failed launch can say
// what actually went wrong.
package wrapper
