package nats

import (
	"fmt"
	"time"
)

const (
	// StreamName is the name of the JetStream stream for settlements.
	StreamName = "SETTLEMENTS"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "settlements.*"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour
)

// Subject returns the subject settlements for merchant are published on.
func Subject(merchant string) string {
	return fmt.Sprintf("settlements.%s", merchant)
}
