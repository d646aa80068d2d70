package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/trustfabric/trustcore/internal/models"
	"github.com/trustfabric/trustcore/internal/verify"
)

func newVerifyCmd() *cobra.Command {
	var registryPath string
	var pageSize int
	var proofOut string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay the full audit chain and verify every hash and signature",
		Long: `Replays the chain from genesis: checks hash linkage, recomputes each
event hash from its canonical payload and verifies the signature over it.
Keys come from the live signer registry, or from a YAML trust-anchor file
(--registry) so a restored snapshot can be verified without trusting the
database that produced it.`,
		Run: func(cmd *cobra.Command, args []string) {
			withServices("verify", func(ctx context.Context, s *services) error {
				var keys verify.KeySource = verify.NewRegistryKeys(s.signers)
				if registryPath != "" {
					fileKeys, err := verify.LoadFileKeys(registryPath)
					if err != nil {
						return err
					}
					keys = fileKeys
				}

				verifier := verify.New(s.events, keys, pageSize, s.log)
				result, err := verifier.Run(ctx)
				if err != nil {
					return err
				}

				if proofOut != "" {
					proof := &models.ProofSummary{
						HeadHash: result.HeadHash,
						Count:    result.Count,
						OK:       result.OK,
						RanAt:    time.Now().UTC(),
					}
					if err := writeProof(proof, proofOut); err != nil {
						return err
					}
				}

				if !result.OK {
					fmt.Fprintf(os.Stderr, "chain mismatch at index %d (event %s): %s\n",
						result.FirstMismatchIndex, result.FirstMismatchID, result.FirstMismatchCause)
					os.Exit(1)
				}

				if flagFmt == "json" {
					output(result, result.HeadHash)
					return nil
				}
				fmt.Printf("chain verified, head=%s, count=%d\n", result.HeadHash, result.Count)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&registryPath, "registry", "", "YAML signer registry file for offline key resolution")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Events per page while replaying (0 = default)")
	cmd.Flags().StringVar(&proofOut, "proof", "", "Write a proof summary JSON to this file")
	return cmd
}

func writeProof(proof *models.ProofSummary, path string) error {
	data, err := json.MarshalIndent(proof, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding proof: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing proof: %w", err)
	}
	return nil
}
