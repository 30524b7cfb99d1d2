package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmcleod/tokenlink/proxy"
)

// Config is the merged configuration from defaults, the config file,
// TOKENLINK_* environment variables and flags, in increasing precedence.
type Config struct {
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	Output   string        `mapstructure:"output" yaml:"output"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	LogLevel string        `mapstructure:"log_level" yaml:"log_level"`
	DataDir  string        `mapstructure:"data_dir" yaml:"data_dir"`
	Server   ServerConfig  `mapstructure:"server" yaml:"server"`
}

// ServerConfig configures the proxy started by "tokenlink serve".
type ServerConfig struct {
	Listen      string        `mapstructure:"listen" yaml:"listen"`
	TLSCert     string        `mapstructure:"tls_cert" yaml:"tls_cert"`
	TLSKey      string        `mapstructure:"tls_key" yaml:"tls_key"`
	AutoApprove bool          `mapstructure:"auto_approve" yaml:"auto_approve"`
	SessionTTL  time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`

	// AuditWebhook receives every audit event as JSON when set.
	AuditWebhook       string `mapstructure:"audit_webhook" yaml:"audit_webhook"`
	AuditWebhookHeader string `mapstructure:"audit_webhook_header" yaml:"audit_webhook_header"`

	// TokenPINs maps token IDs to PINs used to unlock them without an
	// operator.
	TokenPINs map[string]string `mapstructure:"token_pins" yaml:"token_pins"`
	PKCS11    []PKCS11Config    `mapstructure:"pkcs11" yaml:"pkcs11"`
}

// PKCS11Config attaches a hardware token through a PKCS#11 module.
type PKCS11Config struct {
	ID         string `mapstructure:"id" yaml:"id"`
	Name       string `mapstructure:"name" yaml:"name"`
	Module     string `mapstructure:"module" yaml:"module"`
	TokenLabel string `mapstructure:"token_label" yaml:"token_label"`
	Slot       *int   `mapstructure:"slot" yaml:"slot"`
	PIN        string `mapstructure:"pin" yaml:"pin"`
}

const configName = ".tokenlink"

// flagKeys binds config keys to the flags that override them.
var flagKeys = map[string]string{
	"endpoint":             "endpoint",
	"output":               "output",
	"timeout":              "timeout",
	"log_level":            "log-level",
	"data_dir":             "data-dir",
	"server.listen":        "listen",
	"server.tls_cert":      "tls-cert",
	"server.tls_key":       "tls-key",
	"server.auto_approve":  "auto-approve",
	"server.session_ttl":   "session-ttl",
	"server.audit_webhook": "audit-webhook",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoint", proxy.DefaultAddress)
	v.SetDefault("output", "text")
	v.SetDefault("timeout", 2*time.Minute)
	v.SetDefault("log_level", "warn")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("server.listen", proxy.DefaultAddress)
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.auto_approve", false)
	v.SetDefault("server.session_ttl", 30*time.Minute)
	v.SetDefault("server.audit_webhook", "")
	v.SetDefault("server.audit_webhook_header", "")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tokenlink")
	}
	return "."
}

// loadConfig reads the configuration for cmd. file overrides the config
// file search; a missing explicit file is an error while a missing
// .tokenlink.yaml is not.
func loadConfig(v *viper.Viper, cmd *cobra.Command, file string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("TOKENLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, name := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	switch cfg.Output {
	case "text", "json", "yaml":
	default:
		return nil, fmt.Errorf("unsupported output format %q", cfg.Output)
	}
	return &cfg, nil
}
