package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trustfabric/trustcore/internal/models"
)

func newSignerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signer",
		Short: "Signer registry operations",
	}
	cmd.AddCommand(signerRegisterCmd())
	cmd.AddCommand(signerRotateCmd())
	cmd.AddCommand(signerRevokeCmd())
	cmd.AddCommand(signerListCmd())
	cmd.AddCommand(signerShowCmd())
	return cmd
}

// readKeyArg returns the public key material: inline, or from a file with a
// leading @. PEM and base64 both pass through; the registry normalizes them.
func readKeyArg(arg string) (string, error) {
	if !strings.HasPrefix(arg, "@") {
		return arg, nil
	}
	b, err := os.ReadFile(arg[1:])
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", arg[1:], err)
	}
	return string(b), nil
}

func signerRegisterCmd() *cobra.Command {
	var id, algorithm, keyArg string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a signing identity",
		Run: func(cmd *cobra.Command, args []string) {
			withServices("signer register", func(ctx context.Context, s *services) error {
				key, err := readKeyArg(keyArg)
				if err != nil {
					return err
				}
				if err := s.ensureSigner(ctx); err != nil {
					return err
				}

				signer, err := s.registry.Register(ctx, &models.Signer{
					SignerID:  id,
					Algorithm: algorithm,
					PublicKey: key,
				})
				if err != nil {
					return err
				}
				output(signer, signer.SignerID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Signer id (required)")
	cmd.Flags().StringVar(&algorithm, "algorithm", models.AlgorithmEd25519, "Ed25519 or RSA-SHA256")
	cmd.Flags().StringVar(&keyArg, "key", "", "Public key, PEM or base64, inline or @file (required)")
	cmd.MarkFlagRequired("id")  //nolint:errcheck // flag exists
	cmd.MarkFlagRequired("key") //nolint:errcheck // flag exists
	return cmd
}

func signerRotateCmd() *cobra.Command {
	var oldID, id, algorithm, keyArg string
	var overlap time.Duration

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Register a replacement key; the old key stays valid for the overlap",
		Run: func(cmd *cobra.Command, args []string) {
			withServices("signer rotate", func(ctx context.Context, s *services) error {
				key, err := readKeyArg(keyArg)
				if err != nil {
					return err
				}
				if err := s.ensureSigner(ctx); err != nil {
					return err
				}

				signer, err := s.registry.Rotate(ctx, oldID, &models.Signer{
					SignerID:  id,
					Algorithm: algorithm,
					PublicKey: key,
				}, overlap)
				if err != nil {
					return err
				}
				output(signer, signer.SignerID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&oldID, "old", "", "Signer id being replaced (required)")
	cmd.Flags().StringVar(&id, "id", "", "Replacement signer id (required)")
	cmd.Flags().StringVar(&algorithm, "algorithm", models.AlgorithmEd25519, "Ed25519 or RSA-SHA256")
	cmd.Flags().StringVar(&keyArg, "key", "", "Replacement public key, inline or @file (required)")
	cmd.Flags().DurationVar(&overlap, "overlap", 0, "How long both keys stay valid (0 = default)")
	cmd.MarkFlagRequired("old") //nolint:errcheck // flag exists
	cmd.MarkFlagRequired("id")  //nolint:errcheck // flag exists
	cmd.MarkFlagRequired("key") //nolint:errcheck // flag exists
	return cmd
}

func signerRevokeCmd() *cobra.Command {
	var actor string
	var caps []string

	cmd := &cobra.Command{
		Use:   "revoke <signer-id>",
		Short: "Revoke a signer; historical signatures stay verifiable",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withServices("signer revoke", func(ctx context.Context, s *services) error {
				if err := s.ensureSigner(ctx); err != nil {
					return err
				}
				if err := s.registry.Revoke(ctx, args[0], identity(actor, caps)); err != nil {
					return err
				}
				output(map[string]string{"revoked": args[0]}, args[0])
				return nil
			})
		},
	}

	identityFlags(cmd, &actor, &caps)
	return cmd
}

func signerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active signers",
		Run: func(cmd *cobra.Command, args []string) {
			withServices("signer list", func(ctx context.Context, s *services) error {
				signers, err := s.registry.ListActive(ctx)
				if err != nil {
					return err
				}

				if flagFmt == "table" {
					headers := []string{"SIGNER_ID", "ALGORITHM", "STATUS", "VALID_FROM", "VALID_TO"}
					var rows [][]string
					for _, sg := range signers {
						validTo := "-"
						if sg.ValidTo != nil {
							validTo = sg.ValidTo.Format("2006-01-02 15:04:05")
						}
						rows = append(rows, []string{
							sg.SignerID, sg.Algorithm, sg.Status,
							sg.ValidFrom.Format("2006-01-02 15:04:05"), validTo,
						})
					}
					formatTable(headers, rows)
					return nil
				}
				output(signers, "")
				return nil
			})
		},
	}
}

func signerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <signer-id>",
		Short: "Show one signer, active or revoked",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withServices("signer show", func(ctx context.Context, s *services) error {
				signer, err := s.registry.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				output(signer, signer.Status)
				return nil
			})
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 keypair for use as a signer identity",
		Run: func(cmd *cobra.Command, args []string) {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				fatal("keygen", err)
			}
			output(map[string]string{
				"algorithm": models.AlgorithmEd25519,
				"publicKey": base64.StdEncoding.EncodeToString(pub),
				"seed":      base64.StdEncoding.EncodeToString(priv.Seed()),
			}, base64.StdEncoding.EncodeToString(pub))
		},
	}
}
