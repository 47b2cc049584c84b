package revision

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const revisionLength = 16

// ContentRevision returns a deterministic revision string derived from the kind and
// payload of a versioned resource. Map keys are serialised in sorted order, so two
// payloads with the same content always produce the same revision.
func ContentRevision(kind string, payload map[string]interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialise %s payload: %w", kind, err)
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("kind=%s\npayload=%s\n", kind, body)))
	return hex.EncodeToString(sum[:])[:revisionLength], nil
}
