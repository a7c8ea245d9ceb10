package dispatch

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/bissquit/async-dispatch/internal/domain"
)

// idempotencyNamespace is the fixed high half of UUID keys ("asyncdis").
const idempotencyNamespace uint64 = 0x6173796e63646973

// DeriveKey returns the idempotency key a receiver should see for a message.
// The key depends only on the policy and the message id, so it is stable
// across retries and process restarts. ok is false when the policy yields no key.
func DeriveKey(policy domain.IdempotencyPolicy, messageID int64, _ []byte) (key string, ok bool) {
	switch policy {
	case domain.IdempotencyMessageReference:
		return fmt.Sprintf("%q", fmt.Sprintf("%x", messageID)), true
	case domain.IdempotencyUUID:
		var id uuid.UUID
		binary.BigEndian.PutUint64(id[:8], idempotencyNamespace)
		binary.BigEndian.PutUint64(id[8:], uint64(messageID))
		return id.String(), true
	default:
		return "", false
	}
}
