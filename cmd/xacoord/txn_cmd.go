package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/xacoord/api"
	"pkt.systems/xacoord/client"
	"pkt.systems/xacoord/internal/svcfields"
)

const (
	clientServerKey     = "client.server"
	clientSessionKeyKey = "client.interactive-session-key"
	clientTimeoutKey    = "client.timeout"
	clientLogLevelKey   = "client.log-level"

	envTxnID        = "XACOORD_TXN_ID"
	envSessionToken = "XACOORD_SESSION_TOKEN"
	envCorrelation  = "XACOORD_CORRELATION_ID"

	defaultServerURL = "http://127.0.0.1:9460"
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

type clientCLIConfig struct {
	server     string
	sessionKey string
	timeout    time.Duration
	logger     pslog.Logger
}

func newTxnCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	cmd := &cobra.Command{
		Use:   "txn",
		Short: "Drive transactions on a running coordinator",
		Example: `  # Begin, write a file, commit
  eval "$(xacoord txn begin)"
  xacoord txn exec afs write '{"path":"reports/q1.txt","data":"aGVsbG8="}'
  xacoord txn commit`,
	}
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultServerURL, "coordinator base URL")
	flags.String("interactive-session-key", "", "interactive session key (falls back to XACOORD_INTERACTIVE_SESSION_KEY)")
	flags.Duration("timeout", client.DefaultHTTPTimeout, "HTTP client timeout")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")

	mustBindFlag(clientServerKey, flags.Lookup("server"), "XACOORD_CLIENT_SERVER")
	mustBindFlag(clientSessionKeyKey, flags.Lookup("interactive-session-key"), "XACOORD_CLIENT_INTERACTIVE_SESSION_KEY", "XACOORD_INTERACTIVE_SESSION_KEY")
	mustBindFlag(clientTimeoutKey, flags.Lookup("timeout"), "XACOORD_CLIENT_TIMEOUT")
	mustBindFlag(clientLogLevelKey, flags.Lookup("log-level"), "XACOORD_CLIENT_LOG_LEVEL")

	cmd.AddCommand(
		newTxnBeginCommand(cfg),
		newTxnExecCommand(cfg),
		newTxnFinishCommand(cfg, "commit", "Commit a transaction"),
		newTxnFinishCommand(cfg, "rollback", "Roll a transaction back"),
		newTxnStatusCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key string, flag *pflag.Flag, envs ...string) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if len(envs) > 0 {
		if err := viper.BindEnv(append([]string{key}, envs...)...); err != nil {
			panic(err)
		}
	}
}

func (c *clientCLIConfig) load() error {
	c.server = strings.TrimSpace(viper.GetString(clientServerKey))
	if c.server == "" {
		c.server = defaultServerURL
	}
	c.sessionKey = viper.GetString(clientSessionKeyKey)
	c.timeout = viper.GetDuration(clientTimeoutKey)
	if c.timeout <= 0 {
		c.timeout = client.DefaultHTTPTimeout
	}
	levelStr := strings.ToLower(strings.TrimSpace(viper.GetString(clientLogLevelKey)))
	switch levelStr {
	case "", "none", "off", "disabled":
		c.logger = nil
		return nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("invalid client log level %q", levelStr)
	}
	c.logger = svcfields.WithSubsystem(pslog.NewStructured(os.Stderr), "client.cli").LogLevel(level)
	return nil
}

func (c *clientCLIConfig) client() (*client.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithHTTPTimeout(c.timeout),
		client.WithInteractiveSessionKey(c.sessionKey),
	}
	if c.logger != nil {
		opts = append(opts, client.WithLogger(c.logger))
	}
	return client.New(c.server, opts...)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func commandContextWithCorrelation(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if id := strings.TrimSpace(os.Getenv(envCorrelation)); id != "" {
		ctx = client.WithCorrelationID(ctx, id)
	}
	return ctx
}

// resolveTxn binds to the transaction named by flags or, failing that, by
// the environment variables txn begin exports.
func resolveTxn(cli *client.Client, txnID, token string) (*client.Txn, error) {
	if txnID == "" {
		txnID = strings.TrimSpace(os.Getenv(envTxnID))
	}
	if token == "" {
		token = strings.TrimSpace(os.Getenv(envSessionToken))
	}
	if txnID == "" {
		return nil, fmt.Errorf("transaction id required (specify --txn or export %s)", envTxnID)
	}
	if token == "" {
		return nil, fmt.Errorf("session token required (specify --token or export %s)", envSessionToken)
	}
	return cli.Resume(txnID, token), nil
}

func addTxnFlags(cmd *cobra.Command, txnID, token *string) {
	cmd.Flags().StringVar(txnID, "txn", "", "transaction id (default from "+envTxnID+")")
	cmd.Flags().StringVar(token, "token", "", "session token (default from "+envSessionToken+")")
}

func newTxnBeginCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Begin a transaction",
		Example: `  # Begin a transaction and export its id and session token
  eval "$(xacoord txn begin --server http://127.0.0.1:9460)"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			txn, err := cli.Start(commandContextWithCorrelation(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch outputMode(strings.ToLower(output)) {
			case outputJSON:
				return writeJSON(out, map[string]string{
					"txn_id":        txn.ID(),
					"session_token": txn.SessionToken(),
				})
			default:
				fmt.Fprintf(out, "export %s=%q\n", envTxnID, txn.ID())
				fmt.Fprintf(out, "export %s=%q\n", envSessionToken, txn.SessionToken())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newTxnExecCommand(cfg *clientCLIConfig) *cobra.Command {
	var txnID, token string
	cmd := &cobra.Command{
		Use:   "exec <participant> <operation> [json-arg...]",
		Short: "Execute an operation on a participant inside a transaction",
		Example: `  xacoord txn exec db exec '{"sql":"INSERT INTO orders(id) VALUES ($1)","args":[42]}'
  xacoord txn exec afs read '{"path":"reports/q1.txt"}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]any, 0, len(args)-2)
			for i, arg := range args[2:] {
				if !json.Valid([]byte(arg)) {
					return fmt.Errorf("argument %d is not valid JSON", i+1)
				}
				raw = append(raw, json.RawMessage(arg))
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			txn, err := resolveTxn(cli, txnID, token)
			if err != nil {
				return err
			}
			result, err := txn.Execute(commandContextWithCorrelation(cmd), args[0], args[1], raw...)
			if err != nil {
				return err
			}
			if len(result) == 0 {
				result = json.RawMessage("null")
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	addTxnFlags(cmd, &txnID, &token)
	return cmd
}

func newTxnFinishCommand(cfg *clientCLIConfig, verb, short string) *cobra.Command {
	var txnID, token string
	cmd := &cobra.Command{
		Use:           verb,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			txn, err := resolveTxn(cli, txnID, token)
			if err != nil {
				return err
			}
			ctx := commandContextWithCorrelation(cmd)
			var resp *api.TxnResponse
			if verb == "commit" {
				resp, err = txn.Commit(ctx)
			} else {
				resp, err = txn.Rollback(ctx)
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	addTxnFlags(cmd, &txnID, &token)
	return cmd
}

func newTxnStatusCommand(cfg *clientCLIConfig) *cobra.Command {
	var txnID string
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show a transaction's state",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if txnID == "" {
				txnID = strings.TrimSpace(os.Getenv(envTxnID))
			}
			if txnID == "" {
				return fmt.Errorf("transaction id required (specify --txn or export %s)", envTxnID)
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			resp, err := cli.Status(commandContextWithCorrelation(cmd), txnID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id (default from "+envTxnID+")")
	return cmd
}
