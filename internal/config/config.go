package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version information - set by GoReleaser during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// GetVersionInfo returns a formatted version string
func GetVersionInfo() string {
	return fmt.Sprintf("oidc-agent version %s, commit %s, built at %s", version, commit, date)
}

// ErrInvalid indicates missing or malformed static configuration. Every
// validation failure in this package wraps it.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Realm   RealmConfig   `mapstructure:"realm"`
	Refresh RefreshConfig `mapstructure:"refresh"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RealmConfig identifies the IdP realm the agent authenticates against and
// the client registered with it. Immutable after Load; the flow layer may
// override the derived endpoints with a discovery document at runtime.
type RealmConfig struct {
	BaseURL      string   `mapstructure:"base_url"`
	Realm        string   `mapstructure:"realm"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURI  string   `mapstructure:"redirect_uri"`
	Scopes       []string `mapstructure:"scopes"`
	// Discovery toggles fetching the well-known document at startup. When
	// disabled the Keycloak-style derived endpoints below are used as-is.
	Discovery bool `mapstructure:"discovery"`
}

// Issuer is the realm issuer URL, e.g. https://idp.example.com/realms/app.
func (r *RealmConfig) Issuer() string {
	return fmt.Sprintf("%s/realms/%s", strings.TrimRight(r.BaseURL, "/"), r.Realm)
}

// Derived endpoint paths. Discovery, when enabled and successful, takes
// precedence over all of these.
func (r *RealmConfig) AuthorizeEndpoint() string {
	return r.Issuer() + "/protocol/openid-connect/auth"
}

func (r *RealmConfig) TokenEndpoint() string {
	return r.Issuer() + "/protocol/openid-connect/token"
}

func (r *RealmConfig) LogoutEndpoint() string {
	return r.Issuer() + "/protocol/openid-connect/logout"
}

func (r *RealmConfig) UserinfoEndpoint() string {
	return r.Issuer() + "/protocol/openid-connect/userinfo"
}

type RefreshConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Buffer   time.Duration `mapstructure:"buffer"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type StorageConfig struct {
	// Backend selects the secure store implementation: "file" or "memory".
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	// Passphrase protects the file backend. Set it through
	// OIDC_AGENT_STORAGE_PASSPHRASE rather than the config file.
	Passphrase string `mapstructure:"passphrase"`
}

type LoggingConfig struct {
	Level             string `mapstructure:"level"`
	Format            string `mapstructure:"format"`
	Color             bool   `mapstructure:"color"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	OutputPath        string `mapstructure:"output_path"`
	AppendToFile      bool   `mapstructure:"append_to_file"`
	DisableConsole    bool   `mapstructure:"disable_console"`
}

// InitFlags initializes command line flags (without parsing)
func InitFlags() {
	pflag.String("realm.base_url", "", "Base URL of the IdP")
	pflag.String("realm.realm", "", "Realm name")
	pflag.String("realm.client_id", "", "OAuth client id")
	pflag.String("realm.redirect_uri", "", "Redirect URI for the authorization code callback")
	// Note: no pflag.Parse() here as it's called in main.go
}

func Load() (*Config, error) {
	viper.Reset() // Ensure clean state

	viper.SetEnvPrefix("OIDC_AGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/oidc-agent")

	if err := viper.ReadInConfig(); err != nil {
		// A config file is optional; env vars and flags can carry the
		// whole configuration.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults() {
	// Empty defaults register the keys with viper so values supplied only
	// through OIDC_AGENT_* env vars survive Unmarshal.
	viper.SetDefault("realm.base_url", "")
	viper.SetDefault("realm.realm", "")
	viper.SetDefault("realm.client_id", "")
	viper.SetDefault("realm.client_secret", "")
	viper.SetDefault("realm.redirect_uri", "")
	viper.SetDefault("storage.passphrase", "")
	viper.SetDefault("realm.scopes", []string{"openid", "profile", "email"})
	viper.SetDefault("realm.discovery", true)
	viper.SetDefault("refresh.interval", time.Minute)
	viper.SetDefault("refresh.buffer", time.Minute)
	viper.SetDefault("refresh.cooldown", 3*time.Minute)
	viper.SetDefault("storage.backend", "file")
	viper.SetDefault("storage.path", "tokens.enc")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
}

// Validate checks the parts of the configuration the auth core cannot run
// without. It does not reach out to the network.
func (c *Config) Validate() error {
	if c.Realm.BaseURL == "" {
		return fmt.Errorf("%w: realm.base_url is required", ErrInvalid)
	}
	if _, err := url.ParseRequestURI(c.Realm.BaseURL); err != nil {
		return fmt.Errorf("%w: realm.base_url: %v", ErrInvalid, err)
	}
	if c.Realm.Realm == "" {
		return fmt.Errorf("%w: realm.realm is required", ErrInvalid)
	}
	if c.Realm.ClientID == "" {
		return fmt.Errorf("%w: realm.client_id is required", ErrInvalid)
	}
	if c.Realm.RedirectURI == "" {
		return fmt.Errorf("%w: realm.redirect_uri is required", ErrInvalid)
	}
	u, err := url.Parse(c.Realm.RedirectURI)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: realm.redirect_uri must be an absolute URL", ErrInvalid)
	}
	if c.Refresh.Interval <= 0 || c.Refresh.Buffer <= 0 || c.Refresh.Cooldown <= 0 {
		return fmt.Errorf("%w: refresh interval, buffer and cooldown must be positive", ErrInvalid)
	}
	switch c.Storage.Backend {
	case "file", "memory":
	default:
		return fmt.Errorf("%w: storage.backend must be file or memory", ErrInvalid)
	}
	if c.Storage.Backend == "file" && c.Storage.Passphrase == "" {
		return fmt.Errorf("%w: storage.passphrase is required for the file backend", ErrInvalid)
	}
	return nil
}
