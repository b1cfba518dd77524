package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/xacoord"
	"pkt.systems/xacoord/internal/svcfields"
)

const afsKeyPrefix = "afs."

func newAFSCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg xacoord.AFSConfig
	cmd := &cobra.Command{
		Use:   "afs",
		Short: "Run the remote file store participant",
		Long: `Runs the atomic file store. Files written inside a transaction are staged
until the coordinator commits; prepared transactions survive restarts.

Settings live under the "afs" section of the config file and the XACOORD_AFS_*
environment variables. The coordinator and interactive session keys fall back
to the coordinator's own settings.`,
		Example: `  xacoord afs --listen :9461 --store disk:///var/lib/xacoord-files`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger.With("role", "afs")
			cliLogger := svcfields.WithSubsystem(logger, "cli.afs")
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindAFSConfig(&cfg); err != nil {
				return err
			}
			return runUntilCanceled(cmd.Context(), cliLogger, func() (server, error) {
				return xacoord.NewAFSServer(cfg, xacoord.WithLogger(logger))
			}, cfg.ShutdownTimeout)
		},
	}
	flags := cmd.Flags()
	flags.String("listen", xacoord.DefaultAFSListen, "listen address")
	flags.String("store", xacoord.DefaultStore, fmt.Sprintf("file storage URL (%s)", strings.Join(xacoord.SupportedStoreSchemes(), ", ")))
	flags.String("coordinator-key", "", "secret shared with the coordinator (defaults to --coordinator-key of the coordinator)")
	flags.String("interactive-session-key", "", "client session secret (defaults to the coordinator's)")
	flags.String("max-file-size", humanizeBytes(xacoord.DefaultAFSMaxFileSize), "maximum size of a single staged file")
	flags.Duration("stage-idle-timeout", xacoord.DefaultAFSStageIdleTimeout, "idle time after which an unprepared transaction's staged files are discarded")
	flags.String("json-max", humanizeBytes(xacoord.DefaultJSONMaxBytes), "maximum JSON payload size")
	addStoreFlags(flags, "file store")
	flags.Bool("disable-http-tracing", false, "disable OpenTelemetry HTTP spans")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	flags.Duration("shutdown-timeout", xacoord.DefaultShutdownTimeout, "overall shutdown timeout")

	bindFlags(flags, afsKeyPrefix)
	return cmd
}

func afsString(name string) string {
	return viper.GetString(afsKeyPrefix + name)
}

func bindAFSConfig(cfg *xacoord.AFSConfig) error {
	cfg.Listen = afsString("listen")
	cfg.Store = afsString("store")
	cfg.CoordinatorKey = afsString("coordinator-key")
	if cfg.CoordinatorKey == "" {
		cfg.CoordinatorKey = viper.GetString("coordinator-key")
	}
	cfg.InteractiveSessionKey = afsString("interactive-session-key")
	if cfg.InteractiveSessionKey == "" {
		cfg.InteractiveSessionKey = viper.GetString("interactive-session-key")
	}
	maxFile, err := parseBytesFlag(afsKeyPrefix + "max-file-size")
	if err != nil {
		return err
	}
	cfg.MaxFileSize = maxFile
	cfg.StageIdleTimeout = viper.GetDuration(afsKeyPrefix + "stage-idle-timeout")
	jsonMax, err := parseBytesFlag(afsKeyPrefix + "json-max")
	if err != nil {
		return err
	}
	cfg.JSONMaxBytes = jsonMax
	cfg.StoreCredentials, cfg.StorageRetry = readStoreSettings(afsKeyPrefix)
	cfg.DisableHTTPTracing = viper.GetBool(afsKeyPrefix + "disable-http-tracing")
	cfg.LogLevel = strings.TrimSpace(afsString("log-level"))
	cfg.ShutdownTimeout = viper.GetDuration(afsKeyPrefix + "shutdown-timeout")
	return nil
}
