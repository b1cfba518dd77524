package xacoord

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/xacoord/internal/coordinator"
	"pkt.systems/xacoord/internal/dbtx"
	"pkt.systems/xacoord/internal/httpapi"
)

const (
	// DefaultListen is the default TCP endpoint the coordinator binds to.
	DefaultListen = ":9460"
	// DefaultAFSListen is the default TCP endpoint of the remote file store.
	DefaultAFSListen = ":9461"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore keeps the transaction log in memory when no store is provided.
	DefaultStore = "mem://"
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = httpapi.DefaultJSONMaxBytes
	// DefaultTransactionTimeout is how long a transaction may sit idle before
	// the reaper rolls it back.
	DefaultTransactionTimeout = 60 * time.Second
	// DefaultTransactionCountLimit caps concurrently active transactions.
	DefaultTransactionCountLimit = 100
	// DefaultFinishTransactionsInterval sets the reaper cadence.
	DefaultFinishTransactionsInterval = 10 * time.Second
	// DefaultFinishedRetention is how long completed outcomes answer repeated calls.
	DefaultFinishedRetention = coordinator.DefaultFinishedRetention
	// DefaultParticipantTimeout bounds each participant call.
	DefaultParticipantTimeout = 5 * time.Second
	// DefaultAFSTimeout bounds each call to the remote file store.
	DefaultAFSTimeout = 10 * time.Second
	// DefaultAFSMaxFileSize bounds a single staged file.
	DefaultAFSMaxFileSize = int64(64 << 20)
	// DefaultAFSStageIdleTimeout is how long the file store keeps an
	// unprepared transaction without activity.
	DefaultAFSStageIdleTimeout = 10 * time.Minute
	// DefaultRecoveryAttempts describes how often recovery-path participant
	// calls are retried.
	DefaultRecoveryAttempts = 5
	// DefaultRecoveryBaseDelay configures the base delay between recovery retries.
	DefaultRecoveryBaseDelay = 100 * time.Millisecond
	// DefaultRecoveryMaxDelay caps the backoff between recovery retries.
	DefaultRecoveryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultPostgresParticipant is the participant id of the database.
	DefaultPostgresParticipant = "db"
	// DefaultAFSParticipant is the participant id of the remote file store.
	DefaultAFSParticipant = "afs"
)

// Config captures the coordinator's runtime configuration.
type Config struct {
	// Listen is the façade bind address (for example ":9460").
	Listen string
	// Store is the transaction-log location (mem://, disk://, s3://, aws://, azure://).
	Store string

	// CoordinatorKey authenticates the coordinator to participants and
	// gates the recovered commit/rollback calls.
	CoordinatorKey string
	// InteractiveSessionKey is required on every client transaction call.
	InteractiveSessionKey string

	// TransactionTimeout is the idle time after which an open transaction is rolled back.
	TransactionTimeout time.Duration
	// TransactionCountLimit caps concurrently active transactions.
	TransactionCountLimit int
	// FinishTransactionsInterval sets how often the reaper scans the table.
	FinishTransactionsInterval time.Duration
	// ParticipantTimeout bounds each participant call.
	ParticipantTimeout time.Duration
	// FinishedRetention keeps completed outcomes for repeated commit,
	// rollback and status calls. Negative disables it.
	FinishedRetention time.Duration

	// PostgresDSN enables the database participant when set.
	PostgresDSN string
	// PostgresGIDPrefix namespaces PREPARE TRANSACTION gids.
	PostgresGIDPrefix string
	// AFSEndpoint enables the remote file store participant when set.
	AFSEndpoint string
	// AFSTimeout bounds each call to the remote file store.
	AFSTimeout time.Duration

	// Recovery-path participant calls retry with exponential backoff.
	RecoveryAttempts  int
	RecoveryBaseDelay time.Duration
	RecoveryMaxDelay  time.Duration

	StoreCredentials
	StorageRetry

	// JSONMaxBytes caps incoming JSON payload size.
	JSONMaxBytes int64
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// DisableHTTPTracing skips otelhttp instrumentation of the façade.
	DisableHTTPTracing bool
	// LogLevel overrides the logger's minimum level when set.
	LogLevel string
	// Disabled starts the façade without a coordinator; every transaction
	// call answers 503.
	Disabled bool
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if err := validateStoreURL(c.Store); err != nil {
		return err
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Disabled {
		return nil
	}
	if c.CoordinatorKey == "" {
		return fmt.Errorf("config: coordinator-key is required")
	}
	if c.InteractiveSessionKey == "" {
		return fmt.Errorf("config: interactive-session-key is required")
	}
	if c.CoordinatorKey == c.InteractiveSessionKey {
		return fmt.Errorf("config: coordinator-key and interactive-session-key must differ")
	}
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = DefaultTransactionTimeout
	} else if c.TransactionTimeout < 0 {
		return fmt.Errorf("config: transaction-timeout must be > 0")
	}
	if c.FinishedRetention == 0 {
		c.FinishedRetention = DefaultFinishedRetention
	}
	if c.TransactionCountLimit == 0 {
		c.TransactionCountLimit = DefaultTransactionCountLimit
	} else if c.TransactionCountLimit < 0 {
		return fmt.Errorf("config: transaction-count-limit must be > 0")
	}
	if c.FinishTransactionsInterval == 0 {
		c.FinishTransactionsInterval = DefaultFinishTransactionsInterval
	} else if c.FinishTransactionsInterval < 0 {
		return fmt.Errorf("config: finish-transactions-interval must be > 0")
	}
	if c.ParticipantTimeout <= 0 {
		c.ParticipantTimeout = DefaultParticipantTimeout
	}
	c.PostgresDSN = strings.TrimSpace(c.PostgresDSN)
	c.PostgresGIDPrefix = strings.TrimSpace(c.PostgresGIDPrefix)
	if c.PostgresGIDPrefix == "" {
		c.PostgresGIDPrefix = dbtx.DefaultGIDPrefix
	}
	if strings.ContainsAny(c.PostgresGIDPrefix, "' \t\n") {
		return fmt.Errorf("config: postgres-gid-prefix %q contains reserved characters", c.PostgresGIDPrefix)
	}
	c.AFSEndpoint = strings.TrimSpace(c.AFSEndpoint)
	if c.AFSEndpoint != "" {
		u, err := url.Parse(c.AFSEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: afs-endpoint must be an http(s) URL, got %q", c.AFSEndpoint)
		}
	}
	if c.AFSTimeout <= 0 {
		c.AFSTimeout = DefaultAFSTimeout
	}
	if c.RecoveryAttempts <= 0 {
		c.RecoveryAttempts = DefaultRecoveryAttempts
	}
	if c.RecoveryBaseDelay <= 0 {
		c.RecoveryBaseDelay = DefaultRecoveryBaseDelay
	}
	if c.RecoveryMaxDelay <= 0 {
		c.RecoveryMaxDelay = DefaultRecoveryMaxDelay
	}
	if c.RecoveryMaxDelay < c.RecoveryBaseDelay {
		return fmt.Errorf("config: recovery-max-delay must be >= recovery-base-delay")
	}
	c.StorageRetry.applyDefaults()
	return nil
}

// Participants lists the participant ids the configuration enables, in
// protocol order.
func (c Config) Participants() []string {
	var out []string
	if c.PostgresDSN != "" {
		out = append(out, DefaultPostgresParticipant)
	}
	if c.AFSEndpoint != "" {
		out = append(out, DefaultAFSParticipant)
	}
	return out
}

func (c Config) storeConfig() StoreConfig {
	return c.StoreCredentials.storeConfigFor(c.Store, c.StorageRetry)
}

// AFSConfig configures the standalone remote file store.
type AFSConfig struct {
	// Listen is the participant endpoint bind address.
	Listen string
	// Store is where published and staged files live.
	Store string

	CoordinatorKey        string
	InteractiveSessionKey string

	// MaxFileSize bounds a single staged file.
	MaxFileSize int64
	// StageIdleTimeout discards unprepared transactions idle this long. It
	// should exceed the coordinator's transaction timeout.
	StageIdleTimeout time.Duration
	// JSONMaxBytes caps incoming JSON payload size.
	JSONMaxBytes int64

	StoreCredentials
	StorageRetry

	DisableHTTPTracing bool
	LogLevel           string
	ShutdownTimeout    time.Duration
}

// Validate applies defaults and sanity-checks the configuration.
func (c *AFSConfig) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultAFSListen
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if err := validateStoreURL(c.Store); err != nil {
		return err
	}
	if c.CoordinatorKey == "" {
		return fmt.Errorf("config: coordinator-key is required")
	}
	if c.InteractiveSessionKey == "" {
		return fmt.Errorf("config: interactive-session-key is required")
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = DefaultAFSMaxFileSize
	} else if c.MaxFileSize < 0 {
		return fmt.Errorf("config: max-file-size must be > 0")
	}
	if c.StageIdleTimeout == 0 {
		c.StageIdleTimeout = DefaultAFSStageIdleTimeout
	} else if c.StageIdleTimeout < 0 {
		return fmt.Errorf("config: stage-idle-timeout must be > 0")
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	c.StorageRetry.applyDefaults()
	return nil
}

func (c AFSConfig) storeConfig() StoreConfig {
	return c.StoreCredentials.storeConfigFor(c.Store, c.StorageRetry)
}

// StoreCredentials carries object-store credentials shared by the
// coordinator and the file store. Empty values fall back to the environment.
type StoreCredentials struct {
	// S3/MinIO credentials for s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// AWSRegion is required for aws:// stores unless given in the URL.
	AWSRegion string
	// Azure credentials for azure:// stores.
	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string
}

// StorageRetry tunes the retry layer wrapped around every backend.
type StorageRetry struct {
	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64
}

func (r *StorageRetry) applyDefaults() {
	if r.StorageRetryMaxAttempts <= 0 {
		r.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if r.StorageRetryBaseDelay <= 0 {
		r.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if r.StorageRetryMaxDelay <= 0 {
		r.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if r.StorageRetryMultiplier <= 0 {
		r.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
}

func (c StoreCredentials) storeConfigFor(rawURL string, retry StorageRetry) StoreConfig {
	return StoreConfig{
		URL:               rawURL,
		S3AccessKeyID:     c.S3AccessKeyID,
		S3SecretAccessKey: c.S3SecretAccessKey,
		S3SessionToken:    c.S3SessionToken,
		AWSRegion:         c.AWSRegion,
		AzureAccount:      c.AzureAccount,
		AzureAccountKey:   c.AzureAccountKey,
		AzureEndpoint:     c.AzureEndpoint,
		AzureSASToken:     c.AzureSASToken,
		RetryMaxAttempts:  retry.StorageRetryMaxAttempts,
		RetryBaseDelay:    retry.StorageRetryBaseDelay,
		RetryMaxDelay:     retry.StorageRetryMaxDelay,
		RetryMultiplier:   retry.StorageRetryMultiplier,
	}
}

// SupportedStoreSchemes lists the URL schemes accepted by store settings.
func SupportedStoreSchemes() []string {
	return []string{"mem", "memory", "disk", "s3", "aws", "azure"}
}

func validateStoreURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if !slices.Contains(SupportedStoreSchemes(), u.Scheme) {
		return fmt.Errorf("config: store scheme %q not supported (options: %s)", u.Scheme, strings.Join(SupportedStoreSchemes(), ", "))
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.xacoord).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("XACOORD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".xacoord"), nil
}
