package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/catalogd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage catalogd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$XDG_CONFIG_HOME/catalogd/" + defaultConfigFileName
	if dir, err := defaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, defaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default catalogd configuration file",
		Args:  cobra.NoArgs,
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
				dir, err := defaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, defaultConfigFileName)
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

type configDefaults struct {
	Listen                  string   `yaml:"listen"`
	Store                   string   `yaml:"store"`
	LockOwner               string   `yaml:"lock-owner"`
	RunLockTimeout          string   `yaml:"run-lock-timeout"`
	AdminLockTimeout        string   `yaml:"admin-lock-timeout"`
	MaxErrors               int      `yaml:"max-errors"`
	AdminSecret             string   `yaml:"admin-secret"`
	SettingsFile            string   `yaml:"settings-file"`
	StatusKey               string   `yaml:"status-key"`
	AppName                 string   `yaml:"app-name"`
	AppDescription          string   `yaml:"app-description"`
	AdminEmail              string   `yaml:"admin-email"`
	LogLevel                string   `yaml:"log-level"`
	Pipelines               []string `yaml:"pipeline"`
	PipelineDir             string   `yaml:"pipeline-dir"`
	StorageRetryMaxAttempts int      `yaml:"storage-retry-max-attempts"`
	StorageRetryBaseDelay   string   `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string   `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64  `yaml:"storage-retry-multiplier"`
	AdminRateLimit          float64  `yaml:"admin-rate-limit"`
	AdminRateBurst          int      `yaml:"admin-rate-burst"`
	AdminMaxBody            string   `yaml:"admin-max-body"`
	ReadHeaderTimeout       string   `yaml:"read-header-timeout"`
	ShutdownTimeout         string   `yaml:"shutdown-timeout"`
	OTLPEndpoint            string   `yaml:"otlp-endpoint"`
	MetricsListen           string   `yaml:"metrics-listen"`
	PprofListen             string   `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool     `yaml:"enable-profiling-metrics"`
	Server                  string   `yaml:"server"`
	TokenFile               string   `yaml:"token-file"`
	Timeout                 string   `yaml:"timeout"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:                  catalogd.DefaultListen,
		Store:                   catalogd.DefaultStore,
		RunLockTimeout:          catalogd.DefaultRunLockTimeout.String(),
		AdminLockTimeout:        catalogd.DefaultAdminLockTimeout.String(),
		MaxErrors:               catalogd.DefaultMaxErrors,
		AppName:                 catalogd.DefaultAppName,
		AppDescription:          catalogd.DefaultAppDescription,
		LogLevel:                catalogd.DefaultLogLevel,
		Pipelines:               []string{},
		StorageRetryMaxAttempts: catalogd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   catalogd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    catalogd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  catalogd.DefaultStorageRetryMultiplier,
		AdminRateLimit:          catalogd.DefaultAdminRateLimit,
		AdminRateBurst:          catalogd.DefaultAdminRateBurst,
		AdminMaxBody:            humanizeBytes(catalogd.DefaultAdminMaxBodyBytes),
		ReadHeaderTimeout:       catalogd.DefaultReadHeaderTimeout.String(),
		ShutdownTimeout:         catalogd.DefaultShutdownTimeout.String(),
		Server:                  defaultServerURL,
		Timeout:                 "30s",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
