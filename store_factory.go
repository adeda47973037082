package catalogd

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

	"pkt.systems/catalogd/internal/storage"
	awsstore "pkt.systems/catalogd/internal/storage/aws"
	azurestore "pkt.systems/catalogd/internal/storage/azure"
	"pkt.systems/catalogd/internal/storage/disk"
	gcsstore "pkt.systems/catalogd/internal/storage/gcs"
	"pkt.systems/catalogd/internal/storage/memory"
	redisstore "pkt.systems/catalogd/internal/storage/redis"
	"pkt.systems/catalogd/internal/storage/s3"
)

const storeReadyTimeout = 10 * time.Second

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

func openBackend(ctx context.Context, cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	var backend storage.Backend
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, store); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err = awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err = azurestore.New(azureCfg)
		if err != nil {
			return nil, err
		}
	case "redis", "rediss":
		redisCfg, err := BuildRedisConfig(cfg)
		if err != nil {
			return nil, err
		}
		return redisstore.New(ctx, redisCfg)
	case "gs":
		gcsCfg, err := BuildGCSConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err = gcsstore.New(ctx, gcsCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pingCtx, cancel := context.WithTimeout(ctx, storeReadyTimeout)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("object store connectivity check failed: %w", err)
	}
	return backend, nil
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	if strings.EqualFold(query.Get("scheme"), "http") {
		secure = false
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs. Credentials come from the
// default AWS chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:       query.Get("endpoint"),
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       insecure,
		ForcePathStyle: query.Get("endpoint") != "",
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("CATALOGD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("CATALOGD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildRedisConfig parses redis://[user:pass@]host:port/db[?prefix=name]. The
// prefix query parameter is stripped before the URL reaches go-redis.
func BuildRedisConfig(cfg Config) (redisstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return redisstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return redisstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return redisstore.Config{}, fmt.Errorf("redis store missing host (expected redis://host:port/db)")
	}
	query := u.Query()
	prefix := query.Get("prefix")
	query.Del("prefix")
	u.RawQuery = query.Encode()
	return redisstore.Config{URL: u.String(), Prefix: prefix}, nil
}

// BuildGCSConfig parses gs://bucket[/prefix] URLs.
func BuildGCSConfig(cfg Config) (gcsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return gcsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "gs" {
		return gcsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return gcsstore.Config{}, fmt.Errorf("gcs store missing bucket (expected gs://bucket[/prefix])")
	}
	creds := strings.TrimSpace(cfg.GCSCredentialsFile)
	if creds == "" {
		creds = firstEnv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	return gcsstore.Config{
		Bucket:          bucket,
		Prefix:          strings.Trim(u.Path, "/"),
		Endpoint:        strings.TrimSpace(u.Query().Get("endpoint")),
		CredentialsFile: creds,
	}, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/catalogd)")
	}
	return disk.Config{Root: filepath.Clean(pathPart)}, nil
}

func splitBucketPath(path string) (bucket, prefix string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", ""
	}
	parts := strings.SplitN(path, "/", 2)
	bucket = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("CATALOGD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("CATALOGD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("CATALOGD_S3_SESSION_TOKEN")
		source = "env:CATALOGD_S3_ACCESS_KEY_ID"
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

func ensureBucket(ctx context.Context, store *s3.Store) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, storeReadyTimeout)
	defer cancel()
	exists, err := store.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", store.Config().Bucket)
	}
	return nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
