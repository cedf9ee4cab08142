package relay

import "github.com/google/uuid"

// Session identifiers are generated server-side; clients never pick their own.
func newSessionID() string {
	return uuid.NewString()
}
