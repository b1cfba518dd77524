package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/xacoord"
	"pkt.systems/xacoord/internal/dbtx"
	"pkt.systems/xacoord/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("XACOORD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "xacoord")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the coordinator
// itself rather than a subcommand. Failures of the server are logged; CLI
// failures go to stderr.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			name, _, inline := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
			flag := lookupRootFlag(root, name, "")
			if flag == nil {
				return !anySubcommand(root, args[i+1:])
			}
			if !inline && flag.NoOptDefVal == "" {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			// Clustered shorthands: the first one taking a value ends the
			// cluster and consumes the next argument when nothing follows it.
			cluster := strings.TrimPrefix(arg, "-")
			for idx, ch := range cluster {
				flag := lookupRootFlag(root, "", string(ch))
				if flag == nil {
					return !anySubcommand(root, args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(cluster)-1 {
						i++
					}
					break
				}
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func lookupRootFlag(root *cobra.Command, name, shorthand string) *pflag.Flag {
	for _, set := range []*pflag.FlagSet{root.Flags(), root.PersistentFlags()} {
		var flag *pflag.Flag
		if shorthand != "" {
			flag = set.ShorthandLookup(shorthand)
		} else {
			flag = set.Lookup(name)
		}
		if flag != nil {
			return flag
		}
	}
	return nil
}

func anySubcommand(root *cobra.Command, args []string) bool {
	return slices.ContainsFunc(args, func(tok string) bool { return isSubcommandToken(root, tok) })
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || slices.Contains(sub.Aliases, token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func parseBytesFlag(key string) (int64, error) {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int64(size), nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := xacoord.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, xacoord.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg xacoord.Config

	cmd := &cobra.Command{
		Use:           "xacoord",
		Short:         "xacoord coordinates two-phase commit across PostgreSQL and a remote file store",
		SilenceErrors: true,
		Example: `
  # Coordinate a database and a file store, logging decisions to disk
  XACOORD_COORDINATOR_KEY=... XACOORD_INTERACTIVE_SESSION_KEY=... \
    xacoord --store disk:///var/lib/xacoord \
      --postgres-dsn postgres://app@db/app?sslmode=disable \
      --afs-endpoint http://afs:9461

  # Transaction log on MinIO (TLS on by default; append ?insecure=1 for HTTP)
  XACOORD_STORE=s3://localhost:9000/xacoord?insecure=1 XACOORD_S3_ACCESS_KEY_ID=minioadmin \
    XACOORD_S3_SECRET_ACCESS_KEY=minioadmin xacoord --afs-endpoint http://127.0.0.1:9461

  # Run the file store participant
  xacoord afs --store disk:///var/lib/xacoord-files
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to xacoord",
				"app", "xacoord",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			return runUntilCanceled(ctx, cliLogger, func() (server, error) {
				return xacoord.NewServer(cfg, xacoord.WithLogger(logger))
			}, cfg.ShutdownTimeout)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.xacoord/"+xacoord.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", xacoord.DefaultListen, "listen address")
	flags.String("store", xacoord.DefaultStore, fmt.Sprintf("transaction log storage URL (%s)", strings.Join(xacoord.SupportedStoreSchemes(), ", ")))
	flags.String("coordinator-key", "", "secret shared with participants (required)")
	flags.String("interactive-session-key", "", "secret handed to clients (required, must differ from coordinator-key)")
	flags.Duration("transaction-timeout", xacoord.DefaultTransactionTimeout, "idle time after which an undecided transaction is rolled back")
	flags.Int("transaction-count-limit", xacoord.DefaultTransactionCountLimit, "maximum concurrently active transactions")
	flags.Duration("finish-transactions-interval", xacoord.DefaultFinishTransactionsInterval, "reaper interval for abandoned and unfinished transactions")
	flags.Duration("participant-timeout", xacoord.DefaultParticipantTimeout, "default per-call participant timeout")
	flags.Duration("finished-retention", xacoord.DefaultFinishedRetention, "how long completed outcomes answer repeated calls (negative disables)")
	flags.String("postgres-dsn", "", "PostgreSQL connection string (empty disables the db participant)")
	flags.String("postgres-gid-prefix", "", "prefix for prepared transaction ids (default "+dbtx.DefaultGIDPrefix+")")
	flags.String("afs-endpoint", "", "remote file store base URL (empty disables the afs participant)")
	flags.Duration("afs-timeout", xacoord.DefaultAFSTimeout, "per-call timeout for the remote file store")
	flags.Int("recovery-attempts", xacoord.DefaultRecoveryAttempts, "attempts per recovery call to a remote participant")
	flags.Duration("recovery-base-delay", xacoord.DefaultRecoveryBaseDelay, "initial backoff between recovery attempts")
	flags.Duration("recovery-max-delay", xacoord.DefaultRecoveryMaxDelay, "maximum backoff between recovery attempts")
	addStoreFlags(flags, "transaction log")
	flags.String("json-max", humanizeBytes(xacoord.DefaultJSONMaxBytes), "maximum JSON payload size")
	flags.String("metrics-listen", xacoord.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", xacoord.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable OpenTelemetry HTTP spans")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	flags.Bool("disabled", false, "serve the API but refuse every transaction")
	flags.Duration("shutdown-timeout", xacoord.DefaultShutdownTimeout, "overall shutdown timeout")

	viper.SetEnvPrefix("XACOORD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	bindFlags(persistentFlags, "")
	bindFlags(flags, "")

	cmd.AddCommand(
		newAFSCommand(baseLogger),
		newTxnCommand(),
		newConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func addStoreFlags(flags *pflag.FlagSet, what string) {
	flags.String("s3-access-key-id", "", "access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-account", "", "Azure Storage account (overrides the azure:// host)")
	flags.String("azure-key", "", "Azure Storage account key")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	flags.Int("storage-retry-attempts", xacoord.DefaultStorageRetryMaxAttempts, "maximum "+what+" storage retry attempts")
	flags.Duration("storage-retry-base-delay", xacoord.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", xacoord.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", xacoord.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
}

// bindFlags binds every flag in flags to viper under prefix+name, so config
// file keys and XACOORD_* variables resolve through the same names.
func bindFlags(flags *pflag.FlagSet, prefix string) {
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(prefix+flag.Name, flag); err != nil {
			panic(err)
		}
	})
}

// readStoreSettings reads the store flags bound under prefix.
func readStoreSettings(prefix string) (xacoord.StoreCredentials, xacoord.StorageRetry) {
	creds := xacoord.StoreCredentials{
		S3AccessKeyID:     viper.GetString(prefix + "s3-access-key-id"),
		S3SecretAccessKey: viper.GetString(prefix + "s3-secret-access-key"),
		S3SessionToken:    viper.GetString(prefix + "s3-session-token"),
		AWSRegion:         strings.TrimSpace(viper.GetString(prefix + "aws-region")),
		AzureAccount:      viper.GetString(prefix + "azure-account"),
		AzureAccountKey:   viper.GetString(prefix + "azure-key"),
		AzureEndpoint:     viper.GetString(prefix + "azure-endpoint"),
		AzureSASToken:     viper.GetString(prefix + "azure-sas-token"),
	}
	retry := xacoord.StorageRetry{
		StorageRetryMaxAttempts: viper.GetInt(prefix + "storage-retry-attempts"),
		StorageRetryBaseDelay:   viper.GetDuration(prefix + "storage-retry-base-delay"),
		StorageRetryMaxDelay:    viper.GetDuration(prefix + "storage-retry-max-delay"),
		StorageRetryMultiplier:  viper.GetFloat64(prefix + "storage-retry-multiplier"),
	}
	return creds, retry
}

func bindConfig(cfg *xacoord.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.Store = viper.GetString("store")
	cfg.CoordinatorKey = viper.GetString("coordinator-key")
	cfg.InteractiveSessionKey = viper.GetString("interactive-session-key")
	cfg.TransactionTimeout = viper.GetDuration("transaction-timeout")
	cfg.TransactionCountLimit = viper.GetInt("transaction-count-limit")
	cfg.FinishTransactionsInterval = viper.GetDuration("finish-transactions-interval")
	cfg.ParticipantTimeout = viper.GetDuration("participant-timeout")
	cfg.FinishedRetention = viper.GetDuration("finished-retention")
	cfg.PostgresDSN = viper.GetString("postgres-dsn")
	cfg.PostgresGIDPrefix = viper.GetString("postgres-gid-prefix")
	cfg.AFSEndpoint = viper.GetString("afs-endpoint")
	cfg.AFSTimeout = viper.GetDuration("afs-timeout")
	cfg.RecoveryAttempts = viper.GetInt("recovery-attempts")
	cfg.RecoveryBaseDelay = viper.GetDuration("recovery-base-delay")
	cfg.RecoveryMaxDelay = viper.GetDuration("recovery-max-delay")
	cfg.StoreCredentials, cfg.StorageRetry = readStoreSettings("")
	jsonMax, err := parseBytesFlag("json-max")
	if err != nil {
		return err
	}
	cfg.JSONMaxBytes = jsonMax
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.LogLevel = strings.TrimSpace(viper.GetString("log-level"))
	cfg.Disabled = viper.GetBool("disabled")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return nil
}

// server is the lifecycle shared by the coordinator and the file store.
type server interface {
	Start() error
	Shutdown(ctx context.Context) error
}

func runUntilCanceled(ctx context.Context, logger pslog.Logger, build func() (server, error), shutdownTimeout time.Duration) error {
	srv, err := build()
	if err != nil {
		return err
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = xacoord.DefaultShutdownTimeout
	}
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}
	defer shutdown()
	go func() {
		<-ctx.Done()
		shutdown()
	}()
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
