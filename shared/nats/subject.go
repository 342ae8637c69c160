package nats

import (
	"fmt"

	hades "github.com/jsierles/opscode-agent/shared"
)

// natsSubjectBase is the base NATS subject for all agent operations
const natsSubjectBase = "hades.agent"

// Headers exchanged with every job request and reply.
const (
	HeaderJobID       = "Hades-Job-Id"
	HeaderTimeout     = "Hades-Timeout"
	HeaderMemoryLimit = "Hades-Memory-Limit"
)

// KindSubject returns the request subject for a job kind.
func KindSubject(k hades.JobKind) string {
	return fmt.Sprintf("%s.%s", natsSubjectBase, k)
}
