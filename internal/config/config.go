// Package config provides functionality for managing configuration options
// for the application using command-line flags, environment variables and
// an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atinyakov/PluginRepo/internal/logger"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix prefixes every environment variable, e.g. GBD_PLUGIN_PATH.
const EnvPrefix = "GBD"

// Options holds the configuration values for the application.
type Options struct {
	// Address defines the server's listening address (ip:port).
	Address string `mapstructure:"address"`
	// DatabaseDSN holds the database connection string.
	DatabaseDSN string `mapstructure:"database_dsn"`
	// PluginPath is the directory holding plugin archives.
	PluginPath string `mapstructure:"plugin_path"`
	// IconPath is the directory holding plugin icons.
	IconPath string `mapstructure:"icon_path"`
	// BaseURL is the external address used in download links. Set it
	// whenever the server is reachable under another name than its Host
	// header, e.g. behind a reverse proxy.
	BaseURL string `mapstructure:"base_url"`
	// TrustProxy honours X-Forwarded-Proto when BaseURL is empty.
	TrustProxy bool `mapstructure:"trust_proxy"`
	// MaxUploadSize bounds upload bodies in bytes.
	MaxUploadSize int64 `mapstructure:"max_upload_size"`
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
	// AdminUser and AdminPassword seed the first superuser of an empty
	// database. An empty password is replaced by a generated one.
	AdminUser     string `mapstructure:"admin_user"`
	AdminPassword string `mapstructure:"admin_password"`
	// CleanerInterval is the period of the orphaned file sweep.
	CleanerInterval time.Duration `mapstructure:"cleaner_interval"`
	// OrphanGrace is the minimum age of an unreferenced file before removal.
	OrphanGrace time.Duration `mapstructure:"orphan_grace"`
	// Log configures logging.
	Log logger.Options `mapstructure:"log"`
}

var defaults = map[string]any{
	"address":          "localhost:8080",
	"plugin_path":      "/data/dl",
	"icon_path":        "/data/icons",
	"max_upload_size":  64 << 20,
	"admin_user":       "admin",
	"trust_proxy":      false,
	"cleaner_interval": time.Hour,
	"orphan_grace":     time.Hour,
	"log.level":        "info",
	"log.format":       "console",
	"log.max_size":     100,
	"log.max_backups":  3,
	"log.max_age":      28,
}

// flagKeys maps flag names onto config keys.
var flagKeys = map[string]string{
	"address":         "address",
	"database-dsn":    "database_dsn",
	"plugin-path":     "plugin_path",
	"icon-path":       "icon_path",
	"base-url":        "base_url",
	"trust-proxy":     "trust_proxy",
	"max-upload-size": "max_upload_size",
	"tls-cert":        "tls_cert",
	"tls-key":         "tls_key",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"log-file":        "log.file",
}

// RegisterFlags declares the server flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to config file (yaml, json or toml)")
	fs.StringP("address", "a", "", "run on ip:port server")
	fs.StringP("database-dsn", "d", "", "postgres connection string")
	fs.String("plugin-path", "", "directory for plugin archives")
	fs.String("icon-path", "", "directory for plugin icons")
	fs.String("base-url", "", "external base URL used in download links")
	fs.Bool("trust-proxy", false, "derive the link scheme from X-Forwarded-Proto")
	fs.Int64("max-upload-size", 0, "maximum upload size in bytes")
	fs.String("tls-cert", "", "TLS certificate file")
	fs.String("tls-key", "", "TLS key file")
	fs.String("log-level", "", "log level")
	fs.String("log-format", "", "log format: console or json")
	fs.String("log-file", "", "also write logs to this rotated file")
}

// Load resolves the options from, in increasing precedence, defaults, the
// config file, GBD_ environment variables and the flags set on fs.
func Load(fs *pflag.FlagSet) (*Options, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// keys without a default are only found by Unmarshal once bound
	for _, k := range []string{"database_dsn", "base_url", "tls_cert", "tls_key", "admin_password", "log.file"} {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	path := v.GetString("config")
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

func (o *Options) validate() error {
	var err error
	if o.PluginPath == "" {
		err = multierr.Append(err, errors.New("plugin_path is required"))
	}
	if o.IconPath == "" {
		err = multierr.Append(err, errors.New("icon_path is required"))
	}
	if o.MaxUploadSize <= 0 {
		err = multierr.Append(err, errors.New("max_upload_size must be positive"))
	}
	if (o.TLSCert == "") != (o.TLSKey == "") {
		err = multierr.Append(err, errors.New("tls_cert and tls_key must be set together"))
	}
	if o.CleanerInterval <= 0 {
		err = multierr.Append(err, errors.New("cleaner_interval must be positive"))
	}
	if o.OrphanGrace <= 0 {
		err = multierr.Append(err, errors.New("orphan_grace must be positive"))
	}
	return err
}
