package xacoord

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/clock"
	"pkt.systems/xacoord/internal/storage"
	awsstore "pkt.systems/xacoord/internal/storage/aws"
	azurestore "pkt.systems/xacoord/internal/storage/azure"
	"pkt.systems/xacoord/internal/storage/disk"
	loggingbackend "pkt.systems/xacoord/internal/storage/logging"
	"pkt.systems/xacoord/internal/storage/memory"
	"pkt.systems/xacoord/internal/storage/retry"
	"pkt.systems/xacoord/internal/storage/s3"
	"pkt.systems/xacoord/internal/svcfields"
)

// StoreConfig locates a storage backend and tunes its retry wrapper.
//
// Supported URLs:
//
//	mem://                                   in-process, lost on exit
//	disk:///var/lib/xacoord                  local filesystem
//	s3://host[:port]/bucket[/prefix]?...     S3-compatible service (MinIO)
//	aws://bucket[/prefix]?region=...         AWS S3
//	azure://account/container[/prefix]?...   Azure Blob Storage
type StoreConfig struct {
	URL string

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AWSRegion         string
	AzureAccount      string
	AzureAccountKey   string
	AzureEndpoint     string
	AzureSASToken     string

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMultiplier  float64
}

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

const bucketCheckTimeout = 10 * time.Second

type storeOpener func(context.Context, StoreConfig) (storage.Backend, error)

var storeOpeners = map[string]storeOpener{
	"":       openMemoryStore,
	"mem":    openMemoryStore,
	"memory": openMemoryStore,
	"disk":   openDiskStore,
	"s3":     openS3Store,
	"aws":    openAWSStore,
	"azure":  openAzureStore,
}

// OpenStore opens the backend cfg.URL names. Every call goes through a
// tracing layer and then a retry layer for transient failures.
func OpenStore(ctx context.Context, cfg StoreConfig, logger pslog.Logger, clk clock.Clock) (storage.Backend, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	open, ok := storeOpeners[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	backend, err := open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	storageLogger := svcfields.WithSubsystem(logger, "storage.backend").With("store", u.Scheme)
	traced := loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), "storage.backend.core")
	return retry.Wrap(traced, storageLogger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Multiplier:  cfg.RetryMultiplier,
	}), nil
}

func openMemoryStore(context.Context, StoreConfig) (storage.Backend, error) {
	return memory.New(), nil
}

func openDiskStore(_ context.Context, cfg StoreConfig) (storage.Backend, error) {
	diskCfg, err := BuildDiskConfig(cfg)
	if err != nil {
		return nil, err
	}
	return disk.New(diskCfg)
}

func openS3Store(ctx context.Context, cfg StoreConfig) (storage.Backend, error) {
	s3cfg, _, err := BuildGenericS3Config(cfg)
	if err != nil {
		return nil, err
	}
	store, err := s3.New(s3cfg)
	if err != nil {
		return nil, err
	}
	return requireBucket(ctx, store, store.BucketExists, s3cfg.Bucket)
}

func openAWSStore(ctx context.Context, cfg StoreConfig) (storage.Backend, error) {
	awscfg, err := BuildAWSConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := awsstore.New(awscfg)
	if err != nil {
		return nil, err
	}
	return requireBucket(ctx, store, store.BucketExists, awscfg.Bucket)
}

func openAzureStore(_ context.Context, cfg StoreConfig) (storage.Backend, error) {
	azureCfg, err := BuildAzureConfig(cfg)
	if err != nil {
		return nil, err
	}
	return azurestore.New(azureCfg)
}

// requireBucket fails fast when the bucket is missing or unreachable rather
// than on the first transaction.
func requireBucket(ctx context.Context, backend storage.Backend, exists func(context.Context) (bool, error), bucket string) (storage.Backend, error) {
	checkCtx, cancel := context.WithTimeout(ctx, bucketCheckTimeout)
	defer cancel()
	ok, err := exists(checkCtx)
	switch {
	case err != nil:
		err = fmt.Errorf("object store connectivity check failed: %w", err)
	case !ok:
		err = fmt.Errorf("object store bucket %s does not exist", bucket)
	default:
		return backend, nil
	}
	_ = backend.Close()
	return nil, err
}

// parseStoreURL parses cfg.URL and checks it uses scheme.
func parseStoreURL(cfg StoreConfig, scheme string) (*url.URL, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != scheme {
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return u, nil
}

// queryBool reads a boolean query parameter, keeping def when it is absent
// or unparsable.
func queryBool(q url.Values, name string, def bool) bool {
	if v := q.Get(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg StoreConfig) (s3.Config, CredentialSummary, error) {
	const usage = "expected s3://host[:port]/bucket[/prefix]"
	u, err := parseStoreURL(cfg, "s3")
	if err != nil {
		return s3.Config{}, CredentialSummary{}, err
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (%s)", usage)
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (%s)", usage)
	}
	q := u.Query()
	secure := !strings.EqualFold(q.Get("scheme"), "http")
	secure = queryBool(q, "tls", secure)
	if queryBool(q, "insecure", false) {
		secure = false
	}
	creds, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(q.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: queryBool(q, "path-style", false),
		ServerSideEnc:  q.Get("sse"),
		KMSKeyID:       q.Get("kms-key-id"),
		CustomCreds:    creds,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 with regional configuration.
func BuildAWSConfig(cfg StoreConfig) (awsstore.Config, error) {
	u, err := parseStoreURL(cfg, "aws")
	if err != nil {
		return awsstore.Config{}, err
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	q := u.Query()
	region := firstNonEmpty(q.Get("region"), cfg.AWSRegion, firstEnv("AWS_REGION", "AWS_DEFAULT_REGION"))
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or XACOORD_AWS_REGION)")
	}
	return awsstore.Config{
		Endpoint:      q.Get("endpoint"),
		Region:        region,
		Bucket:        bucket,
		Prefix:        strings.Trim(u.Path, "/"),
		Insecure:      queryBool(q, "insecure", false),
		ServerSideEnc: q.Get("sse"),
		KMSKeyID:      q.Get("kms-key-id"),
	}, nil
}

// s3CredentialSources are tried in order; the first with any value set wins.
var s3CredentialSources = []struct {
	source                     string
	accessKey, secret, session string
}{
	{"env:XACOORD_S3_ACCESS_KEY_ID", "XACOORD_S3_ACCESS_KEY_ID", "XACOORD_S3_SECRET_ACCESS_KEY", "XACOORD_S3_SESSION_TOKEN"},
	{"env:MINIO_ROOT_USER", "MINIO_ROOT_USER", "MINIO_ROOT_PASSWORD", ""},
}

func resolveGenericS3Credentials(cfg StoreConfig) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey, sessionToken := cfg.S3SecretAccessKey, cfg.S3SessionToken
	source := "config"
	for _, env := range s3CredentialSources {
		if accessKey != "" || secretKey != "" || sessionToken != "" {
			break
		}
		accessKey = strings.TrimSpace(os.Getenv(env.accessKey))
		secretKey = os.Getenv(env.secret)
		sessionToken = ""
		if env.session != "" {
			sessionToken = os.Getenv(env.session)
		}
		source = env.source
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		return minioCredentials.NewStaticV4("", "", ""), CredentialSummary{Source: "anonymous"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// BuildAzureConfig derives the Azure backend configuration. Explicit
// settings win over the URL, which wins over the environment.
func BuildAzureConfig(cfg StoreConfig) (azurestore.Config, error) {
	u, err := parseStoreURL(cfg, "azure")
	if err != nil {
		return azurestore.Config{}, err
	}
	account := firstNonEmpty(cfg.AzureAccount, u.Host, firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME"))
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	q := u.Query()
	return azurestore.Config{
		Account:    account,
		AccountKey: firstNonEmpty(cfg.AzureAccountKey, firstEnv("XACOORD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")),
		Endpoint:   firstNonEmpty(q.Get("endpoint"), cfg.AzureEndpoint),
		SASToken:   firstNonEmpty(q.Get("sas"), cfg.AzureSASToken, firstEnv("XACOORD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")),
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config. Both
// disk:///abs/path and disk://abs/path are accepted.
func BuildDiskConfig(cfg StoreConfig) (disk.Config, error) {
	u, err := parseStoreURL(cfg, "disk")
	if err != nil {
		return disk.Config{}, err
	}
	root := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		root = "/" + host + "/" + strings.TrimPrefix(root, "/")
	}
	if root = filepath.Clean(root); root == "." || root == string(filepath.Separator) {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/xacoord)")
	}
	return disk.Config{Root: root}, nil
}

func splitBucketPath(p string) (string, string) {
	bucket, prefix, _ := strings.Cut(strings.Trim(p, "/"), "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
