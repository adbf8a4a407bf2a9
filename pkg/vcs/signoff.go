package vcs

import (
	"fmt"
	"strings"
)

const signOffPrefix = "Signed-off-by:"

// SignOffTrailer renders the Signed-off-by trailer for an identity.
func SignOffTrailer(name, email string) string {
	return fmt.Sprintf("%s %s <%s>", signOffPrefix, name, email)
}

// WithSignOff appends a Signed-off-by trailer to a commit message unless one
// is already present.
func WithSignOff(message, name, email string) string {
	if HasSignOff(message) {
		return message
	}
	msg := strings.TrimRight(message, "\n")
	return msg + "\n\n" + SignOffTrailer(name, email) + "\n"
}

// HasSignOff reports whether the message carries any Signed-off-by trailer.
func HasSignOff(message string) bool {
	for _, line := range strings.Split(message, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), signOffPrefix) {
			return true
		}
	}
	return false
}

// SignOffIdentity extracts the "Name <email>" part of the first
// Signed-off-by trailer, or "".
func SignOffIdentity(message string) string {
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, signOffPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, signOffPrefix))
		}
	}
	return ""
}
