package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/identity"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ── halt ─────────────────────────────────────────────────────────────────────

func newHaltCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "halt",
		Short: "Inspect or trigger the system halt",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current halt status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			st, err := c.HaltStatus(cmd.Context())
			if err != nil {
				return err
			}
			printHalt(cmd.OutOrStdout(), st)
			return nil
		},
	}

	var reason, message string
	var yes bool
	trigger := &cobra.Command{
		Use:   "trigger",
		Short: "Halt all state-changing operations (requires an operator token)",
		Long: `trigger halts the system. Halting cannot be undone through the API:
every state-changing operation is refused until the deployment is restarted
by an operator with halt.restore_on_start disabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := halt.ReasonOperator
			if reason != "" {
				parsed, err := halt.ParseReason(reason)
				if err != nil {
					return err
				}
				r = parsed
			}
			if message == "" {
				return fmt.Errorf("--message is required")
			}
			if !yes {
				return fmt.Errorf("halting is irreversible; pass --yes to confirm")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			st, err := c.TriggerHalt(cmd.Context(), r, message)
			if err != nil {
				return err
			}
			printHalt(cmd.OutOrStdout(), st)
			return nil
		},
	}
	trigger.Flags().StringVar(&reason, "reason", "", "operator_triggered (default), system_fault or integrity_violation")
	trigger.Flags().StringVarP(&message, "message", "m", "", "why the system is being halted")
	trigger.Flags().BoolVar(&yes, "yes", false, "confirm the halt")

	cmd.AddCommand(status, trigger)
	return cmd
}

func printHalt(w io.Writer, st *halt.Status) {
	if !st.IsHalted {
		okColor.Fprintln(w, "RUNNING")
		return
	}
	badColor.Fprintln(w, "HALTED")
	fmt.Fprintf(w, "  reason    %s\n", st.Reason)
	fmt.Fprintf(w, "  operator  %s\n", st.OperatorID)
	fmt.Fprintf(w, "  at        %s\n", st.HaltedAt.Format(time.RFC3339))
	if st.Message != "" {
		fmt.Fprintf(w, "  message   %s\n", st.Message)
	}
	if st.Origin != "" {
		fmt.Fprintf(w, "  origin    %s\n", st.Origin)
	}
}

// ── token ────────────────────────────────────────────────────────────────────

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage operator tokens",
	}

	var operator, role, issuer string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an operator token signed with the shared operator secret",
		Long: `issue signs a token with the secret configured as halt.operator_secret on
ledgerd. The secret is read from operator_secret in the config file or from
GOVCTL_OPERATOR_SECRET.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				return fmt.Errorf("--operator is required")
			}
			secret := viper.GetString("operator_secret")
			if secret == "" {
				secret = os.Getenv("GOVCTL_OPERATOR_SECRET")
			}
			tokens, err := identity.NewOperatorTokenIssuer([]byte(secret), issuer, ttl)
			if err != nil {
				return err
			}
			tok, err := tokens.Issue(operator, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	issue.Flags().StringVar(&operator, "operator", "", "operator id recorded on actions taken with the token")
	issue.Flags().StringVar(&role, "role", identity.RoleOperator, "operator or auditor")
	issue.Flags().StringVar(&issuer, "issuer", "govledger", "token issuer, must match ledgerd's halt.token_issuer")
	issue.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")

	cmd.AddCommand(issue)
	return cmd
}

// ── ledger ───────────────────────────────────────────────────────────────────

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the live ledger",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the ledger length and head hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ov, err := c.Overview(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "length     %d\nhead       %s\nalgorithm  %s\n", ov.Length, ov.HeadHash, ov.Algorithm)
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Ask ledgerd to re-verify its stored hash chain (operator or auditor token)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			res, err := c.VerifyLedger(cmd.Context())
			if err != nil {
				return err
			}
			if !res.Valid {
				badColor.Fprintln(cmd.OutOrStdout(), "INVALID")
				return errVerdict(fmt.Sprintf("%d issue(s):%s", len(res.Issues), issueLines(res.Issues)))
			}
			okColor.Fprintln(cmd.OutOrStdout(), "VALID")
			return nil
		},
	}

	cmd.AddCommand(status, verify)
	return cmd
}

func parseEventID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid event id %q: %w", s, err)
	}
	return id, nil
}
