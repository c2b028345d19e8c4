package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Role ranks for the API surface. Viewer reads projections, operator
// drives the queue, admin changes policy.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func roleRank(r Role) int {
	switch r {
	case RoleViewer:
		return 0
	case RoleOperator:
		return 1
	case RoleAdmin:
		return 2
	}
	return -1
}

// Principal is an authenticated API caller. TenantID non-empty scopes
// every query the caller makes.
type Principal struct {
	Actor    string `json:"actor"`
	Role     Role   `json:"role"`
	TenantID string `json:"tenant_id,omitempty"`
}

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey hashes an API key using Argon2id.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("server: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	), nil
}

// VerifyAPIKey checks an API key against an Argon2id hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("server: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("server: decode salt: %w", err)
	}
	expected, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("server: decode hash: %w", err)
	}
	computed := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}

// dummyVerify burns the same argon2 cost as a real verification, so
// auth failure timing does not reveal whether any key exists.
func dummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

type keyEntry struct {
	hash      string
	principal Principal
}

// KeyRegistry resolves API keys to principals. Keys are hashed at
// parse time; the plaintext is never retained.
type KeyRegistry struct {
	entries []keyEntry
}

// ParseKeyRegistry parses the CONVERGE_API_KEYS format:
// key:role:actor[:tenant] entries separated by commas. An optional
// adminKey is added with the admin role and actor "admin".
func ParseKeyRegistry(raw, adminKey string) (*KeyRegistry, error) {
	reg := &KeyRegistry{}
	if adminKey != "" {
		if err := reg.add(adminKey, Principal{Actor: "admin", Role: RoleAdmin}); err != nil {
			return nil, err
		}
	}
	if raw == "" {
		return reg, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("server: malformed api key entry (want key:role:actor[:tenant])")
		}
		p := Principal{Actor: parts[2], Role: Role(parts[1])}
		if roleRank(p.Role) < 0 {
			return nil, fmt.Errorf("server: unknown role %q for actor %q", parts[1], parts[2])
		}
		if len(parts) > 3 {
			p.TenantID = parts[3]
		}
		if err := reg.add(parts[0], p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (reg *KeyRegistry) add(key string, p Principal) error {
	hash, err := HashAPIKey(key)
	if err != nil {
		return err
	}
	reg.entries = append(reg.entries, keyEntry{hash: hash, principal: p})
	return nil
}

// Lookup resolves a presented key. The registry is small (a handful of
// operators), so it walks every entry; constant work on failure comes
// from dummyVerify.
func (reg *KeyRegistry) Lookup(apiKey string) (Principal, bool) {
	for _, e := range reg.entries {
		ok, err := VerifyAPIKey(apiKey, e.hash)
		if err == nil && ok {
			return e.principal, true
		}
	}
	if len(reg.entries) == 0 {
		dummyVerify()
	}
	return Principal{}, false
}

// Empty reports whether no keys are configured.
func (reg *KeyRegistry) Empty() bool { return len(reg.entries) == 0 }
