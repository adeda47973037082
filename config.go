package catalogd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/catalogd/internal/ids"
	"pkt.systems/catalogd/internal/pipeline"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultRunLockTimeout is how long a job run lease lives.
	DefaultRunLockTimeout = 3 * time.Hour
	// DefaultAdminLockTimeout is how long an operator's admin lease lives.
	DefaultAdminLockTimeout = 6 * time.Hour
	// DefaultMaxErrors is the consecutive failure count that suspends dispatch.
	DefaultMaxErrors = 3
	// DefaultAppName is reported by GET /.
	DefaultAppName = "catalogd"
	// DefaultAppDescription is reported by GET /.
	DefaultAppDescription = "Catalog collection and publication service"
	// DefaultLogLevel is the initial log level.
	DefaultLogLevel = "info"
	// DefaultStorageRetryMaxAttempts bounds attempts on transient store errors.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay is the first retry delay.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential retry delay.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier grows the delay between attempts.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultAdminRateLimit is the sustained admin requests per second per client.
	DefaultAdminRateLimit = 5.0
	// DefaultAdminRateBurst is the admin request burst per client.
	DefaultAdminRateBurst = 10
	// DefaultAdminMaxBodyBytes bounds POST /admin bodies.
	DefaultAdminMaxBodyBytes = 64 << 10
	// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

// Config captures the tunables for a catalogd server.
type Config struct {
	Listen string
	// Store is the backend URL: mem://, disk:///path, s3://host/bucket,
	// aws://bucket, azure://account/container, redis://host:port/db, gs://bucket.
	Store string
	// LockOwner identifies this deployment in lease records. Defaults to a
	// fresh "catalogd-<xid>".
	LockOwner string

	RunLockTimeout   time.Duration
	AdminLockTimeout time.Duration
	MaxErrors        int
	AdminSecret      string
	// SettingsFile persists runtime settings applied through the admin
	// endpoint. Empty keeps them in memory only.
	SettingsFile string
	StatusKey    string

	AppName        string
	AppDescription string
	AppVersion     string
	AdminEmail     string
	LogLevel       string

	// Pipelines lists "kind=command args" pairs run for the given request kind.
	Pipelines   []string
	PipelineDir string

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	AdminRateLimit    float64
	AdminRateBurst    int
	AdminMaxBodyBytes int64

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3SSE             string
	S3KMSKeyID        string
	AWSRegion         string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	GCSCredentialsFile string
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if !supportedScheme(u.Scheme) {
		return fmt.Errorf("config: unsupported store scheme %q", u.Scheme)
	}
	c.LockOwner = strings.TrimSpace(c.LockOwner)
	if c.LockOwner == "" {
		c.LockOwner = ids.DeploymentID()
	}
	if c.RunLockTimeout == 0 {
		c.RunLockTimeout = DefaultRunLockTimeout
	} else if c.RunLockTimeout < time.Second {
		return fmt.Errorf("config: run lock timeout must be at least 1s")
	}
	if c.AdminLockTimeout == 0 {
		c.AdminLockTimeout = DefaultAdminLockTimeout
	} else if c.AdminLockTimeout < time.Second {
		return fmt.Errorf("config: admin lock timeout must be at least 1s")
	}
	if c.MaxErrors == 0 {
		c.MaxErrors = DefaultMaxErrors
	} else if c.MaxErrors < 1 {
		return fmt.Errorf("config: max errors must be >= 1")
	}
	if c.SettingsFile != "" {
		path, err := expandPath(c.SettingsFile)
		if err != nil {
			return fmt.Errorf("config: settings file: %w", err)
		}
		c.SettingsFile = path
	}
	if c.AppName == "" {
		c.AppName = DefaultAppName
	}
	if c.AppDescription == "" {
		c.AppDescription = DefaultAppDescription
	}
	if c.AppVersion == "" {
		c.AppVersion = Version()
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, ok := pslog.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	for _, spec := range c.Pipelines {
		if _, err := pipeline.ParseCommandSpec(spec); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.AdminRateLimit < 0 {
		return fmt.Errorf("config: admin rate limit must be >= 0")
	}
	if c.AdminRateBurst <= 0 {
		c.AdminRateBurst = DefaultAdminRateBurst
	}
	if c.AdminMaxBodyBytes <= 0 {
		c.AdminMaxBodyBytes = DefaultAdminMaxBodyBytes
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

func supportedScheme(scheme string) bool {
	switch scheme {
	case "", "mem", "memory", "disk", "s3", "aws", "azure", "redis", "rediss", "gs":
		return true
	}
	return false
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
