package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trustfabric/trustcore/internal/models"
)

// readJSONArg parses an inline JSON string or, with a leading @, a JSON file.
func readJSONArg(arg string) (any, error) {
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", arg[1:], err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return v, nil
}

// readOptionalJSONArg is readJSONArg for flags that may be empty.
func readOptionalJSONArg(arg string) (map[string]any, error) {
	if arg == "" {
		return nil, nil
	}
	v, err := readJSONArg(arg)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %T", v)
	}
	return m, nil
}

// identityFlags registers the --actor/--capability pair used by commands that
// require a resolved caller identity.
func identityFlags(cmd *cobra.Command, actor *string, caps *[]string) {
	cmd.Flags().StringVar(actor, "actor", "", "Acting identity")
	cmd.Flags().StringSliceVar(caps, "capability", nil, "Capability held by the actor (repeatable)")
}

func identity(actor string, caps []string) models.Identity {
	return models.Identity{Actor: actor, Capabilities: caps}
}

// signDigestWithSeed signs the hex digest with an Ed25519 key derived from a
// base64 seed and returns the base64 signature. Used to produce approval
// signatures without a running signing backend.
func signDigestWithSeed(seedB64, digestHex string) (string, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return "", fmt.Errorf("decoding seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", fmt.Errorf("decoding digest: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest)), nil
}
