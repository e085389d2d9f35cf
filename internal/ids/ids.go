// Package ids centralizes ID generation: ULIDs for anything that benefits
// from lexical/time sortability (tasks, messages), UUIDs for ephemeral
// correlation IDs (tool calls, sessions), matching the split the teacher
// makes between ant's newConvoID (ulid) and claudetool/browse's uuid use.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewTaskID returns a lexically sortable task identifier.
func NewTaskID() string {
	return "task_" + strings.ToLower(ulid.Make().String())
}

// NewMessageID returns a lexically sortable message identifier.
func NewMessageID() string {
	return "msg_" + strings.ToLower(ulid.Make().String())
}

// NewCorrelationID returns a UUIDv4, suitable for tool-call IDs and other
// short-lived correlation tokens that don't need to sort.
func NewCorrelationID() string {
	return uuid.New().String()
}

// NewPodName returns a short random suffix for sandbox pod names.
func NewPodName(prefix string) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return prefix + "-" + hex.EncodeToString(b[:])
}
