package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/xacoord"
	"pkt.systems/xacoord/internal/dbtx"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage xacoord configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.xacoord/" + xacoord.DefaultConfigFileName
	if dir, err := xacoord.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, xacoord.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default configuration file with fresh keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := xacoord.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, xacoord.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type afsDefaults struct {
	Listen                  string  `yaml:"listen"`
	Store                   string  `yaml:"store"`
	MaxFileSize             string  `yaml:"max-file-size"`
	StageIdleTimeout        string  `yaml:"stage-idle-timeout"`
	JSONMax                 string  `yaml:"json-max"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	LogLevel                string  `yaml:"log-level"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
}

type configDefaults struct {
	Listen                     string      `yaml:"listen"`
	Store                      string      `yaml:"store"`
	CoordinatorKey             string      `yaml:"coordinator-key"`
	InteractiveSessionKey      string      `yaml:"interactive-session-key"`
	TransactionTimeout         string      `yaml:"transaction-timeout"`
	TransactionCountLimit      int         `yaml:"transaction-count-limit"`
	FinishTransactionsInterval string      `yaml:"finish-transactions-interval"`
	ParticipantTimeout         string      `yaml:"participant-timeout"`
	FinishedRetention          string      `yaml:"finished-retention"`
	PostgresDSN                string      `yaml:"postgres-dsn"`
	PostgresGIDPrefix          string      `yaml:"postgres-gid-prefix"`
	AFSEndpoint                string      `yaml:"afs-endpoint"`
	AFSTimeout                 string      `yaml:"afs-timeout"`
	RecoveryAttempts           int         `yaml:"recovery-attempts"`
	RecoveryBaseDelay          string      `yaml:"recovery-base-delay"`
	RecoveryMaxDelay           string      `yaml:"recovery-max-delay"`
	StorageRetryMaxAttempts    int         `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay      string      `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay       string      `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier     float64     `yaml:"storage-retry-multiplier"`
	JSONMax                    string      `yaml:"json-max"`
	MetricsListen              string      `yaml:"metrics-listen"`
	PprofListen                string      `yaml:"pprof-listen"`
	OTLPEndpoint               string      `yaml:"otlp-endpoint"`
	LogLevel                   string      `yaml:"log-level"`
	ShutdownTimeout            string      `yaml:"shutdown-timeout"`
	AFS                        afsDefaults `yaml:"afs"`
}

func randomKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	coordKey, err := randomKey()
	if err != nil {
		return nil, err
	}
	sessionKey, err := randomKey()
	if err != nil {
		return nil, err
	}
	defaults := configDefaults{
		Listen:                     xacoord.DefaultListen,
		Store:                      xacoord.DefaultStore,
		CoordinatorKey:             coordKey,
		InteractiveSessionKey:      sessionKey,
		TransactionTimeout:         xacoord.DefaultTransactionTimeout.String(),
		TransactionCountLimit:      xacoord.DefaultTransactionCountLimit,
		FinishTransactionsInterval: xacoord.DefaultFinishTransactionsInterval.String(),
		ParticipantTimeout:         xacoord.DefaultParticipantTimeout.String(),
		FinishedRetention:          xacoord.DefaultFinishedRetention.String(),
		PostgresGIDPrefix:          dbtx.DefaultGIDPrefix,
		AFSEndpoint:                "http://127.0.0.1" + xacoord.DefaultAFSListen,
		AFSTimeout:                 xacoord.DefaultAFSTimeout.String(),
		RecoveryAttempts:           xacoord.DefaultRecoveryAttempts,
		RecoveryBaseDelay:          xacoord.DefaultRecoveryBaseDelay.String(),
		RecoveryMaxDelay:           xacoord.DefaultRecoveryMaxDelay.String(),
		StorageRetryMaxAttempts:    xacoord.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:      xacoord.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:       xacoord.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:     xacoord.DefaultStorageRetryMultiplier,
		JSONMax:                    humanizeBytes(xacoord.DefaultJSONMaxBytes),
		MetricsListen:              xacoord.DefaultMetricsListen,
		PprofListen:                xacoord.DefaultPprofListen,
		LogLevel:                   "info",
		ShutdownTimeout:            xacoord.DefaultShutdownTimeout.String(),
		AFS: afsDefaults{
			Listen:                  xacoord.DefaultAFSListen,
			Store:                   xacoord.DefaultStore,
			MaxFileSize:             humanizeBytes(xacoord.DefaultAFSMaxFileSize),
			StageIdleTimeout:        xacoord.DefaultAFSStageIdleTimeout.String(),
			JSONMax:                 humanizeBytes(xacoord.DefaultJSONMaxBytes),
			StorageRetryMaxAttempts: xacoord.DefaultStorageRetryMaxAttempts,
			StorageRetryBaseDelay:   xacoord.DefaultStorageRetryBaseDelay.String(),
			StorageRetryMaxDelay:    xacoord.DefaultStorageRetryMaxDelay.String(),
			StorageRetryMultiplier:  xacoord.DefaultStorageRetryMultiplier,
			LogLevel:                "info",
			ShutdownTimeout:         xacoord.DefaultShutdownTimeout.String(),
		},
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
