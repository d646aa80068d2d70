package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trustfabric/trustcore/internal/models"
)

func newEventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Ledger event operations",
	}
	cmd.AddCommand(eventAppendCmd())
	cmd.AddCommand(eventGetCmd())
	cmd.AddCommand(eventListCmd())
	cmd.AddCommand(eventEraseCmd())
	return cmd
}

func eventAppendCmd() *cobra.Command {
	var eventType, payloadArg, metadataArg, idemKey string

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Sign and append an event at the chain head",
		Run: func(cmd *cobra.Command, args []string) {
			withServices("event append", func(ctx context.Context, s *services) error {
				payload, err := readJSONArg(payloadArg)
				if err != nil {
					return err
				}
				metadata, err := readOptionalJSONArg(metadataArg)
				if err != nil {
					return err
				}

				if err := s.ensureSigner(ctx); err != nil {
					return err
				}

				if idemKey != "" {
					ev, replayed, err := s.ledger.AppendGuarded(ctx, idemKey, eventType, payload, metadata)
					if err != nil {
						return err
					}
					if replayed {
						fmt.Fprintln(cmd.ErrOrStderr(), "replayed: idempotency key already recorded")
					}
					output(ev, ev.ID)
					return nil
				}

				ev, err := s.ledger.Append(ctx, eventType, payload, metadata)
				if err != nil {
					return err
				}
				output(ev, ev.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "Event type (required)")
	cmd.Flags().StringVar(&payloadArg, "payload", "", "JSON payload, inline or @file (required)")
	cmd.Flags().StringVar(&metadataArg, "metadata", "", "JSON metadata object, inline or @file")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "Replay-safe key for at-most-once append")
	cmd.MarkFlagRequired("type")    //nolint:errcheck // flag exists
	cmd.MarkFlagRequired("payload") //nolint:errcheck // flag exists
	return cmd
}

func eventGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <event-id>",
		Short: "Fetch one event by id",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withServices("event get", func(ctx context.Context, s *services) error {
				ev, err := s.ledger.Get(ctx, args[0])
				if err != nil {
					return err
				}
				output(ev, ev.ID)
				return nil
			})
		},
	}
}

func eventListCmd() *cobra.Command {
	var eventType string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			withServices("event list", func(ctx context.Context, s *services) error {
				events, hasMore, err := s.ledger.Range(ctx, models.EventRangeOpts{
					EventType: eventType,
					Limit:     limit,
					Offset:    offset,
				})
				if err != nil {
					return err
				}

				if flagFmt == "table" {
					headers := []string{"ID", "TYPE", "SIGNER", "TS", "HASH"}
					var rows [][]string
					for _, e := range events {
						rows = append(rows, []string{
							e.ID, e.EventType, e.SignerID,
							e.TS.Format("2006-01-02 15:04:05"), short(e.Hash),
						})
					}
					formatTable(headers, rows)
					return nil
				}
				output(map[string]any{"events": events, "hasMore": hasMore}, "")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "Filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 100, "Max results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Results to skip")
	return cmd
}

func eventEraseCmd() *cobra.Command {
	var reason, actor string
	var caps []string

	cmd := &cobra.Command{
		Use:   "erase <event-id>",
		Short: "Erase an event's payload under legal hold, keeping the chain intact",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withServices("event erase", func(ctx context.Context, s *services) error {
				if err := s.ensureSigner(ctx); err != nil {
					return err
				}
				if err := s.ledger.Erase(ctx, args[0], identity(actor, caps), reason); err != nil {
					return err
				}
				output(map[string]string{"erased": args[0]}, args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Justification recorded on the ledger (required)")
	cmd.MarkFlagRequired("reason") //nolint:errcheck // flag exists
	identityFlags(cmd, &actor, &caps)
	return cmd
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
