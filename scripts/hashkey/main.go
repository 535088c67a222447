// hashkey generates an API key entry for the NAGARE_API_KEYS env var.
//
// Usage (run from the repo root):
//
//	go run scripts/hashkey/main.go <keyID> <userID>
//
// Prints the config entry (keyID:userID:digest) and the key to hand to the
// caller (keyID.secret). The secret is random and only shown once; the
// server stores nothing but the Argon2id digest.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/ashita-ai/nagare/internal/auth"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <keyID> <userID>\n", os.Args[0])
		os.Exit(1)
	}
	keyID, userID := os.Args[1], os.Args[2]

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate secret: %v\n", err)
		os.Exit(1)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	digest, err := auth.HashAPIKey(secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: hash secret: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("config entry (append to NAGARE_API_KEYS):\n  %s:%s:%s\n", keyID, userID, digest)
	fmt.Printf("client key (shown once, hand to the caller):\n  %s.%s\n", keyID, secret)
}
