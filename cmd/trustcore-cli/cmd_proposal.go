package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trustfabric/trustcore/internal/models"
)

func newProposalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposal",
		Short: "Multisig governance operations",
	}
	cmd.AddCommand(proposalSubmitCmd())
	cmd.AddCommand(proposalApproveCmd())
	cmd.AddCommand(proposalRejectCmd())
	cmd.AddCommand(proposalRatifyCmd())
	cmd.AddCommand(proposalShowCmd())
	return cmd
}

func proposalSubmitCmd() *cobra.Command {
	var payloadArg, justification, idemKey string
	var threshold int
	var signers []string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Open a proposal awaiting N-of-M approval",
		Run: func(cmd *cobra.Command, args []string) {
			withServices("proposal submit", func(ctx context.Context, s *services) error {
				payload, err := readJSONArg(payloadArg)
				if err != nil {
					return err
				}

				if err := s.ensureSigner(ctx); err != nil {
					return err
				}

				req := models.SubmitProposalRequest{
					Payload:           payload,
					RequiredThreshold: threshold,
					EligibleSigners:   signers,
					Justification:     justification,
					TTL:               ttl,
				}

				if idemKey != "" {
					p, replayed, err := s.governor.SubmitGuarded(ctx, idemKey, req)
					if err != nil {
						return err
					}
					if replayed {
						fmt.Fprintln(cmd.ErrOrStderr(), "replayed: idempotency key already recorded")
					}
					output(p, p.ID)
					return nil
				}

				p, err := s.governor.Submit(ctx, req)
				if err != nil {
					return err
				}
				output(p, p.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&payloadArg, "payload", "", "Governed change as JSON, inline or @file (required)")
	cmd.Flags().IntVar(&threshold, "threshold", 1, "Approvals required to apply")
	cmd.Flags().StringSliceVar(&signers, "signer", nil, "Eligible signer id (repeatable, required)")
	cmd.Flags().StringVar(&justification, "justification", "", "Free-form context recorded with the proposal")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Approval window (0 = server default)")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "Replay-safe key for at-most-once submission")
	cmd.MarkFlagRequired("payload") //nolint:errcheck // flag exists
	cmd.MarkFlagRequired("signer")  //nolint:errcheck // flag exists
	return cmd
}

// approvalSignature returns the signature to record: the one passed on the
// command line, or one freshly computed from an Ed25519 seed over the
// proposal's payload hash.
func approvalSignature(ctx context.Context, s *services, proposalID, signature, seed string) (string, error) {
	if signature != "" {
		return signature, nil
	}
	if seed == "" {
		return "", fmt.Errorf("pass --signature or --seed")
	}

	p, _, err := s.governor.Get(ctx, proposalID)
	if err != nil {
		return "", err
	}
	return signDigestWithSeed(seed, p.PayloadHash)
}

func proposalApproveCmd() *cobra.Command {
	var signerID, signature, seed string
	var ratifying bool

	cmd := &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Record a signer's approval; applies the proposal at quorum",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withServices("proposal approve", func(ctx context.Context, s *services) error {
				if err := s.ensureSigner(ctx); err != nil {
					return err
				}

				sig, err := approvalSignature(ctx, s, args[0], signature, seed)
				if err != nil {
					return err
				}

				var p *models.Proposal
				if ratifying {
					p, err = s.governor.ApproveRatification(ctx, args[0], signerID, sig)
				} else {
					p, err = s.governor.Approve(ctx, args[0], signerID, sig)
				}
				if err != nil {
					return err
				}
				output(p, string(p.Status))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&signerID, "signer", "", "Approving signer id (required)")
	cmd.Flags().StringVar(&signature, "signature", "", "Base64 signature over the proposal's payload hash")
	cmd.Flags().StringVar(&seed, "seed", "", "Base64 Ed25519 seed to sign the payload hash locally")
	cmd.Flags().BoolVar(&ratifying, "ratifying", false, "Record a retroactive approval for a break-glass override")
	cmd.MarkFlagRequired("signer") //nolint:errcheck // flag exists
	return cmd
}

func proposalRejectCmd() *cobra.Command {
	var reason, actor string
	var caps []string

	cmd := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject an open proposal; a single rejection is final",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withServices("proposal reject", func(ctx context.Context, s *services) error {
				if err := s.ensureSigner(ctx); err != nil {
					return err
				}
				p, err := s.governor.Reject(ctx, args[0], identity(actor, caps), reason)
				if err != nil {
					return err
				}
				output(p, string(p.Status))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Rejection reason recorded on the ledger (required)")
	cmd.MarkFlagRequired("reason") //nolint:errcheck // flag exists
	identityFlags(cmd, &actor, &caps)
	return cmd
}

func proposalRatifyCmd() *cobra.Command {
	var justification, actor string
	var caps []string

	cmd := &cobra.Command{
		Use:   "ratify <proposal-id>",
		Short: "Break-glass override: apply without quorum, approvals collected after",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withServices("proposal ratify", func(ctx context.Context, s *services) error {
				if err := s.ensureSigner(ctx); err != nil {
					return err
				}
				p, err := s.governor.Ratify(ctx, args[0], identity(actor, caps), justification)
				if err != nil {
					return err
				}
				output(p, string(p.Status))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&justification, "justification", "", "Why the override is necessary (required)")
	cmd.MarkFlagRequired("justification") //nolint:errcheck // flag exists
	identityFlags(cmd, &actor, &caps)
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show a proposal and its approvals",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withServices("proposal show", func(ctx context.Context, s *services) error {
				p, approvals, err := s.governor.Get(ctx, args[0])
				if err != nil {
					return err
				}

				if flagFmt == "table" {
					headers := []string{"SIGNER", "RATIFYING", "CREATED_AT"}
					var rows [][]string
					for _, a := range approvals {
						rows = append(rows, []string{
							a.SignerID, fmt.Sprintf("%t", a.Ratifying),
							a.CreatedAt.Format("2006-01-02 15:04:05"),
						})
					}
					fmt.Printf("proposal %s  status=%s  threshold=%d\n\n", p.ID, p.Status, p.RequiredThreshold)
					formatTable(headers, rows)
					return nil
				}
				output(map[string]any{"proposal": p, "approvals": approvals}, string(p.Status))
				return nil
			})
		},
	}
}
