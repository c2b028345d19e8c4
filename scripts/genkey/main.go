// genkey generates a random API key for the Converge server and prints
// the CONVERGE_API_KEYS registry entry for it.
//
// Usage:
//
//	go run scripts/genkey/main.go <role> <actor> [tenant]
//
// Roles: viewer, operator, admin. The server stores only an argon2id
// hash of the key in memory; the raw key is shown once here.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: genkey <role> <actor> [tenant]")
		os.Exit(1)
	}
	role, actor := os.Args[1], os.Args[2]
	switch role {
	case "viewer", "operator", "admin":
	default:
		fmt.Fprintf(os.Stderr, "error: unknown role %q (viewer, operator, admin)\n", role)
		os.Exit(1)
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}
	key := "cvg_" + base64.RawURLEncoding.EncodeToString(raw)

	entry := fmt.Sprintf("%s:%s:%s", key, role, actor)
	if len(os.Args) > 3 {
		entry += ":" + os.Args[3]
	}

	fmt.Printf("api key: %s\n", key)
	fmt.Printf("registry entry (append to CONVERGE_API_KEYS):\n  %s\n", entry)
}
