package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/jmerrifield20/govledger/internal/export"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/jmerrifield20/govledger/internal/merkle"
	"github.com/jmerrifield20/govledger/internal/verification"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ── verify ───────────────────────────────────────────────────────────────────

func newVerifyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify <export.json>",
		Short: "Verify an exported ledger offline",
		Long: `verify checks an export bundle without contacting any server:
sequence completeness, the hash chain, every epoch's Merkle root and its
published witness, and deterministic state replay.

Interrupting with Ctrl-C reports the checks completed so far as "partial".
The exit status is non-zero unless the verdict is "valid".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			b, err := export.Load(f)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			res := verification.New(zap.NewNop()).VerifyComplete(ctx, b)

			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printResult(cmd.OutOrStdout(), res)
			}
			if res.Status != verification.StatusValid {
				return errVerdict("verification " + string(res.Status))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printResult(w io.Writer, res *verification.Result) {
	switch res.Status {
	case verification.StatusValid:
		okColor.Fprintf(w, "VALID")
	case verification.StatusPartial:
		warnColor.Fprintf(w, "PARTIAL")
	default:
		badColor.Fprintf(w, "INVALID")
	}
	fmt.Fprintf(w, "  %d events, %d epochs\n", res.EventsChecked, res.EpochsChecked)

	checks := []struct {
		name string
		ok   bool
	}{
		{"sequence complete", res.SequenceComplete},
		{"hash chain", res.HashChainValid},
		{"merkle roots", res.MerkleValid},
		{"state replay", res.StateReplayValid},
	}
	for _, c := range checks {
		mark := okColor.Sprint("ok")
		if !c.ok {
			mark = badColor.Sprint("FAIL")
		}
		fmt.Fprintf(w, "  %-18s %s\n", c.name, mark)
	}
	if res.StateDigest != "" {
		fmt.Fprintf(w, "  state digest       %s\n", res.StateDigest)
	}
	for _, is := range res.Issues {
		fmt.Fprintf(w, "  %s %s\n", badColor.Sprint("-"), is)
	}
}

// ── proof ────────────────────────────────────────────────────────────────────

func newProofCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Fetch and verify Merkle inclusion proofs",
	}

	verify := &cobra.Command{
		Use:   "verify <proof.json>",
		Short: "Verify an inclusion proof offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var p merkle.Proof
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("parse proof: %w", err)
			}
			w := cmd.OutOrStdout()
			if !merkle.VerifyProof(p) {
				badColor.Fprintln(w, "INVALID")
				return errVerdict("proof does not verify")
			}
			okColor.Fprint(w, "VALID")
			fmt.Fprintf(w, "  event %s is leaf %d of epoch %d (root %s)\n", p.EventID, p.LeafIndex, p.Epoch, p.MerkleRoot)
			return nil
		},
	}

	var out string
	get := &cobra.Command{
		Use:   "get <event-id>",
		Short: "Fetch the inclusion proof of an event from ledgerd",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEventID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			p, err := c.Proof(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeOut(cmd.OutOrStdout(), out, p)
		},
	}
	get.Flags().StringVarP(&out, "output", "o", "", "write the proof to a file instead of stdout")

	cmd.AddCommand(verify, get)
	return cmd
}

// ── export ───────────────────────────────────────────────────────────────────

func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download a full ledger export for offline verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			b, err := c.Export(cmd.Context())
			if err != nil {
				return err
			}
			if err := writeOut(cmd.OutOrStdout(), out, b); err != nil {
				return err
			}
			if out != "" && out != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d events and %d epochs to %s\n", len(b.Events), len(b.Epochs), out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	return cmd
}

// ── archive ──────────────────────────────────────────────────────────────────

func newArchiveCmd() *cobra.Command {
	var cfg export.S3Config
	var out string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Work with export bundles archived to S3",
	}
	fetch := &cobra.Command{
		Use:   "fetch <epoch-id>",
		Short: "Download the bundle archived when an epoch was sealed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil || id < 1 {
				return fmt.Errorf("invalid epoch id %q", args[0])
			}
			if cfg.Bucket == "" {
				return fmt.Errorf("--bucket is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			a, err := export.NewS3Archiver(ctx, cfg, zap.NewNop())
			if err != nil {
				return err
			}
			b, err := fetchEpochBundle(ctx, a, id)
			if err != nil {
				return err
			}
			return writeOut(cmd.OutOrStdout(), out, b)
		},
	}
	fetch.Flags().StringVar(&cfg.Bucket, "bucket", "", "S3 bucket")
	fetch.Flags().StringVar(&cfg.Prefix, "prefix", "", "object key prefix")
	fetch.Flags().StringVar(&cfg.Region, "region", "", "AWS region")
	fetch.Flags().StringVar(&cfg.Endpoint, "endpoint", "", "S3-compatible endpoint URL")
	fetch.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")

	cmd.AddCommand(fetch)
	return cmd
}

// bundleFetcher is the read side of export.S3Archiver.
type bundleFetcher interface {
	Fetch(ctx context.Context, key string) (*export.Bundle, error)
}

func fetchEpochBundle(ctx context.Context, f bundleFetcher, epochID int64) (*export.Bundle, error) {
	b, err := f.Fetch(ctx, export.EpochKey(epochID))
	if err != nil {
		return nil, err
	}
	for _, ep := range b.Epochs {
		if ep.EpochID == epochID {
			return b, nil
		}
	}
	return nil, fmt.Errorf("archived bundle does not contain epoch %d", epochID)
}

// issueLines renders issues one per line, for error messages.
func issueLines(issues []ledger.Issue) string {
	var s string
	for _, is := range issues {
		s += "\n  " + is.String()
	}
	return s
}
