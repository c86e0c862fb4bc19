package wrapper

import "strings"

// Failure reports crossing the status pipe are a single "step: message"
// line. Nothing on the pipe at all (EOF at exec) means success.

func formatReport(step string, msg string) []byte {
	return []byte(step + ": " + msg)
}

func parseReport(data []byte) (step, msg string) {
	s := string(data)

	if i := strings.Index(s, ": "); i > 0 {
		return s[:i], s[i+2:]
	}

	return "shim", s
}
