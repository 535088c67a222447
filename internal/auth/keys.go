package auth

import (
	"fmt"
	"strings"
)

type apiKeyEntry struct {
	userID string
	digest string
}

// APIKeySet holds the configured API key digests, indexed by key ID.
// Presented keys have the form "keyID.secret"; only the Argon2id digest of
// the secret is configured.
type APIKeySet struct {
	keys map[string]apiKeyEntry
}

// ParseAPIKeys parses the NAGARE_API_KEYS format: comma-separated
// keyID:userID:digest entries.
func ParseAPIKeys(raw string) (*APIKeySet, error) {
	set := &APIKeySet{keys: make(map[string]apiKeyEntry)}
	if strings.TrimSpace(raw) == "" {
		return set, nil
	}
	for _, part := range strings.Split(raw, ",") {
		fields := strings.SplitN(strings.TrimSpace(part), ":", 3)
		if len(fields) != 3 || fields[0] == "" || fields[1] == "" || fields[2] == "" {
			return nil, fmt.Errorf("auth: malformed API key entry %q (want keyID:userID:digest)", part)
		}
		if _, dup := set.keys[fields[0]]; dup {
			return nil, fmt.Errorf("auth: duplicate API key id %q", fields[0])
		}
		set.keys[fields[0]] = apiKeyEntry{userID: fields[1], digest: fields[2]}
	}
	return set, nil
}

// Len reports the number of configured keys.
func (s *APIKeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Verify checks a presented "keyID.secret" value. Unknown key IDs run a
// dummy hash so response timing does not reveal which IDs exist.
func (s *APIKeySet) Verify(presented string) (*Identity, error) {
	keyID, secret, ok := strings.Cut(presented, ".")
	if !ok || keyID == "" || secret == "" {
		DummyVerify()
		return nil, fmt.Errorf("auth: malformed API key")
	}
	entry, known := s.keys[keyID]
	if !known {
		DummyVerify()
		return nil, fmt.Errorf("auth: unknown API key")
	}
	match, err := VerifyAPIKey(secret, entry.digest)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, fmt.Errorf("auth: API key mismatch")
	}
	return &Identity{UserID: entry.userID, Method: "api-key"}, nil
}
