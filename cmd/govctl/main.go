package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jmerrifield20/govledger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	token     string
	cfgFile   string
	timeout   time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "govctl",
		Short: "Operate and audit a govledger deployment",
		Long: `govctl is the operator and auditor CLI for govledger.

Offline commands (verify, proof verify) need nothing but the files they are
given. Online commands talk to a ledgerd instance selected with --server.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cfgFile != "" {
				viper.SetConfigFile(cfgFile)
			} else {
				home, _ := os.UserHomeDir()
				viper.AddConfigPath(home + "/.govctl")
				viper.SetConfigName("config")
				viper.SetConfigType("yaml")
			}
			viper.SetEnvPrefix("govctl")
			viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			viper.AutomaticEnv()
			_ = viper.ReadInConfig()

			if serverURL == "" {
				serverURL = viper.GetString("server")
			}
			if serverURL == "" {
				serverURL = "http://localhost:8080"
			}
			if token == "" {
				token = viper.GetString("token")
			}
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.govctl/config.yaml)")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL (default http://localhost:8080)")
	root.PersistentFlags().StringVar(&token, "token", "", "operator token (or GOVCTL_TOKEN)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(newVerifyCmd())
	root.AddCommand(newProofCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newArchiveCmd())
	root.AddCommand(newLedgerCmd())
	root.AddCommand(newHaltCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the govctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "govctl", version)
		},
	})
	return root
}

// newClient builds an API client from the persistent flags.
func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(timeout)}
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	return client.New(serverURL, opts...)
}

// ── Output helpers ───────────────────────────────────────────────────────────

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	badColor  = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow, color.Bold)
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeOut writes v as JSON to path, or to w when path is empty or "-".
func writeOut(w io.Writer, path string, v any) error {
	if path == "" || path == "-" {
		return printJSON(w, v)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := printJSON(f, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// errVerdict makes the process exit non-zero after a negative verdict has
// already been printed.
type errVerdict string

func (e errVerdict) Error() string { return string(e) }
