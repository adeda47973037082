package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/catalogd"
	"pkt.systems/catalogd/internal/svcfields"
	"pkt.systems/pslog"
)

const defaultConfigFileName = "config.yaml"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("CATALOGD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "catalogd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if c, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if c == cmd {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func defaultConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "catalogd"), nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := defaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, defaultConfigFileName)
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
	var cfg catalogd.Config

	cmd := &cobra.Command{
		Use:   "catalogd",
		Short: "catalogd runs catalog refresh jobs coordinated through a shared blob store",
		Long: `catalogd serves HTTP job triggers (/run-scrape, /run-musts, /run/{kind}) that
never run concurrently across replicas sharing the same store, plus an operator
admin endpoint for locking out jobs, inspecting and repairing execution
contexts, and changing settings at runtime.

Every flag can also be set through the environment (CATALOGD_<FLAG>, dashes
become underscores) or a YAML config file.`,
		Example: `  # In-memory store (tests/dev only)
  catalogd --store mem:// --pipeline musts=/usr/local/bin/build-musts

  # MinIO or any S3-compatible endpoint
  CATALOGD_S3_ACCESS_KEY_ID=minioadmin CATALOGD_S3_SECRET_ACCESS_KEY=minioadmin \
    catalogd --store 's3://localhost:9000/catalog?insecure=1' --admin-secret "$ADMIN_SECRET"

  # Redis
  catalogd --store redis://localhost:6379/0?prefix=catalog`,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to catalogd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
				"version", catalogd.Version(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := catalogd.NewServer(cfg, catalogd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = catalogd.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $XDG_CONFIG_HOME/catalogd/"+defaultConfigFileName+")")
	persistentFlags.String("admin-secret", "", "shared secret for the admin endpoint (server: accepted secret, client: sent as X-Admin-Secret)")
	persistentFlags.String("log-level", catalogd.DefaultLogLevel, "log level (trace, debug, info, warn, error)")
	addClientFlags(cmd)

	flags := cmd.Flags()
	flags.String("listen", catalogd.DefaultListen, "listen address")
	flags.String("store", catalogd.DefaultStore, "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container, redis://host:port/db, gs://bucket)")
	flags.String("lock-owner", "", "owner id written into leases (defaults to a host-derived deployment id)")
	flags.Duration("run-lock-timeout", catalogd.DefaultRunLockTimeout, "lifetime of the run lease")
	flags.Duration("admin-lock-timeout", catalogd.DefaultAdminLockTimeout, "lifetime of the admin lease")
	flags.Int("max-errors", catalogd.DefaultMaxErrors, "consecutive failed runs before the run context is suspended")
	flags.String("settings-file", "", "JSON settings file watched for changes (empty keeps settings in memory)")
	flags.String("status-key", "", "store key of the published status document")
	flags.String("app-name", catalogd.DefaultAppName, "service name reported on /")
	flags.String("app-description", catalogd.DefaultAppDescription, "service description reported on /")
	flags.String("app-version", "", "version reported on / (defaults to the build version)")
	flags.String("admin-email", "", "contact address reported on /")
	flags.StringSlice("pipeline", nil, "job pipeline as kind=command (repeatable)")
	flags.String("pipeline-dir", "", "working directory for pipeline commands")
	flags.Int("storage-retry-max-attempts", catalogd.DefaultStorageRetryMaxAttempts, "attempts per storage operation")
	flags.Duration("storage-retry-base-delay", catalogd.DefaultStorageRetryBaseDelay, "initial storage retry backoff")
	flags.Duration("storage-retry-max-delay", catalogd.DefaultStorageRetryMaxDelay, "maximum storage retry backoff")
	flags.Float64("storage-retry-multiplier", catalogd.DefaultStorageRetryMultiplier, "storage retry backoff multiplier")
	flags.Float64("admin-rate-limit", catalogd.DefaultAdminRateLimit, "admin requests per second per client (0 disables)")
	flags.Int("admin-rate-burst", catalogd.DefaultAdminRateBurst, "admin request burst per client")
	flags.String("admin-max-body", humanizeBytes(catalogd.DefaultAdminMaxBodyBytes), "maximum admin request body size")
	flags.Duration("read-header-timeout", catalogd.DefaultReadHeaderTimeout, "HTTP read header timeout")
	flags.Duration("shutdown-timeout", catalogd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (grpc://, http://, https://; empty disables tracing)")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics endpoint")
	flags.String("s3-access-key-id", "", "S3 access key id (falls back to CATALOGD_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "S3 secret access key")
	flags.String("s3-session-token", "", "S3 session token")
	flags.String("s3-sse", "", "S3 server-side encryption mode (AES256 or aws:kms)")
	flags.String("s3-kms-key-id", "", "KMS key id for aws:kms encryption")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-account", "", "Azure storage account")
	flags.String("azure-account-key", "", "Azure storage account key")
	flags.String("azure-endpoint", "", "Azure blob endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token")
	flags.String("gcs-credentials-file", "", "Google service account JSON for gs:// stores")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not defined", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("CATALOGD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "admin-secret", "log-level",
		"server", "token-file", "timeout",
		"listen", "store", "lock-owner", "run-lock-timeout", "admin-lock-timeout", "max-errors",
		"settings-file", "status-key",
		"app-name", "app-description", "app-version", "admin-email",
		"pipeline", "pipeline-dir",
		"storage-retry-max-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"admin-rate-limit", "admin-rate-burst", "admin-max-body",
		"read-header-timeout", "shutdown-timeout",
		"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "s3-sse", "s3-kms-key-id",
		"aws-region", "azure-account", "azure-account-key", "azure-endpoint", "azure-sas-token",
		"gcs-credentials-file",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newAdminCommand(baseLogger))
	cmd.AddCommand(newRunCommand(baseLogger))
	cmd.AddCommand(newStatusCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *catalogd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.Store = viper.GetString("store")
	cfg.LockOwner = viper.GetString("lock-owner")
	cfg.RunLockTimeout = viper.GetDuration("run-lock-timeout")
	cfg.AdminLockTimeout = viper.GetDuration("admin-lock-timeout")
	cfg.MaxErrors = viper.GetInt("max-errors")
	cfg.AdminSecret = viper.GetString("admin-secret")
	settingsFile, err := expandPath(strings.TrimSpace(viper.GetString("settings-file")))
	if err != nil {
		return fmt.Errorf("settings-file: %w", err)
	}
	cfg.SettingsFile = settingsFile
	cfg.StatusKey = viper.GetString("status-key")
	cfg.AppName = viper.GetString("app-name")
	cfg.AppDescription = viper.GetString("app-description")
	cfg.AppVersion = viper.GetString("app-version")
	cfg.AdminEmail = viper.GetString("admin-email")
	cfg.LogLevel = strings.TrimSpace(viper.GetString("log-level"))
	cfg.Pipelines = viper.GetStringSlice("pipeline")
	cfg.PipelineDir = viper.GetString("pipeline-dir")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-max-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.AdminRateLimit = viper.GetFloat64("admin-rate-limit")
	cfg.AdminRateBurst = viper.GetInt("admin-rate-burst")
	maxBody, err := parseByteSize(viper.GetString("admin-max-body"))
	if err != nil {
		return fmt.Errorf("admin-max-body: %w", err)
	}
	cfg.AdminMaxBodyBytes = maxBody
	cfg.ReadHeaderTimeout = viper.GetDuration("read-header-timeout")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-account-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	gcsCreds, err := expandPath(strings.TrimSpace(viper.GetString("gcs-credentials-file")))
	if err != nil {
		return fmt.Errorf("gcs-credentials-file: %w", err)
	}
	cfg.GCSCredentialsFile = gcsCreds
	return nil
}

func parseByteSize(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	if n > 1<<40 {
		return 0, fmt.Errorf("%s is too large", raw)
	}
	return int64(n), nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
