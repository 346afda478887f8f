package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
)

// ErrConfig marks configuration and credential failures. They are fatal for
// a run and never retried.
var ErrConfig = errors.New("configuration error")

const (
	BackendGoogle = "google"
	BackendCalDAV = "caldav"
)

// FileName is the run configuration file looked up in the working directory
// and in $HOME/.config/campsync/.
const FileName = "campsync.toml"

// Config is the run configuration. It is built once at startup and passed by
// reference; nothing in it changes during a run.
type Config struct {
	LogLevel           string `toml:"log_level"`
	Timezone           string `toml:"timezone"`
	CalendarName       string `toml:"calendar_name"`
	SiteCalendarSuffix string `toml:"site_calendar_suffix"`
	SyncRangeDays      int    `toml:"sync_range_days"`
	Backend            string `toml:"backend"`
	Database           string `toml:"database"`
	Schedule           string `toml:"schedule"`
	SiteConfig         string `toml:"site_config"`

	Google     GoogleConfig     `toml:"google"`
	CalDAV     CalDAVConfig     `toml:"caldav"`
	Checkfront CheckfrontConfig `toml:"checkfront"`
	Lodgify    LodgifyConfig    `toml:"lodgify"`

	// Resolved by Resolve.
	Location          *time.Location `toml:"-"`
	Sites             *Sites         `toml:"-"`
	GoogleCredentials []byte         `toml:"-"`
	GoogleToken       []byte         `toml:"-"`

	// Secret contents supplied through the environment.
	siteConfigData        []byte
	checkfrontCredentials []byte
}

type GoogleConfig struct {
	CredentialsFile string `toml:"credentials_file"`
	TokenFile       string `toml:"token_file"`
	Account         string `toml:"account"`
}

type CalDAVConfig struct {
	ServerURL string `toml:"server_url"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

type CheckfrontConfig struct {
	Host            string `toml:"host"`
	CredentialsFile string `toml:"credentials_file"`
	APIKey          string `toml:"api_key"`
	APISecret       string `toml:"api_secret"`
	// GuestMarker is appended to propagated guest names and used to
	// recognise those bookings in the Checkfront feed.
	GuestMarker string `toml:"guest_marker"`
}

type LodgifyConfig struct {
	APIKey               string            `toml:"api_key"`
	BaseURL              string            `toml:"base_url"`
	PropertyDisplayNames map[string]string `toml:"property_display_names"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = "America/New_York"
	}
	if c.CalendarName == "" {
		c.CalendarName = "DBR Camping"
	}
	if c.SiteCalendarSuffix == "" {
		c.SiteCalendarSuffix = " Checkfront"
	}
	if c.SyncRangeDays <= 0 {
		c.SyncRangeDays = 90
	}
	if c.Backend == "" {
		c.Backend = BackendGoogle
	}
	if c.Database == "" {
		c.Database = ".campsync.db"
	}
	if c.Schedule == "" {
		c.Schedule = "*/15 * * * *"
	}
	if c.SiteConfig == "" {
		c.SiteConfig = "site_configuration.json"
	}
	if c.Google.CredentialsFile == "" {
		c.Google.CredentialsFile = "google_credentials.json"
	}
	if c.Google.TokenFile == "" {
		c.Google.TokenFile = "token.json"
	}
	if c.Google.Account == "" {
		c.Google.Account = "default"
	}
	if c.Checkfront.CredentialsFile == "" {
		c.Checkfront.CredentialsFile = "checkfront_credentials.json"
	}
	if c.Checkfront.GuestMarker == "" {
		c.Checkfront.GuestMarker = " (HipCamp)"
	}
	if c.Lodgify.PropertyDisplayNames == nil {
		c.Lodgify.PropertyDisplayNames = map[string]string{}
	}
}

// Read decodes a TOML configuration file.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	return &c, nil
}

// Find reads the configuration from path, or when path is empty from the
// working directory and then $HOME/.config/campsync/. No file at the default
// locations yields Default().
func Find(path string) (*Config, error) {
	if path != "" {
		c, err := Read(path)
		if err != nil {
			return nil, wrap(err)
		}
		return c, nil
	}

	candidates := []string{FileName}
	if home := os.Getenv("HOME"); home != "" {
		candidates = append(candidates, filepath.Join(home, ".config", "campsync", FileName))
	}
	for _, p := range candidates {
		c, err := Read(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, wrap(err)
		}
		return c, nil
	}
	return Default(), nil
}

// Load finds, normalizes and resolves the configuration.
func Load(path string, getenv func(string) string) (*Config, error) {
	c, err := Find(path)
	if err != nil {
		return nil, err
	}
	c.ApplyEnv(getenv)
	c.Normalize()
	if err := c.Resolve(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides file settings with environment variables. Variables
// prefixed CAMPSYNC_ carry secret contents rather than paths.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, name string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	set(&c.LogLevel, "LOG_LEVEL")
	set(&c.CalendarName, "CALENDAR_NAME")
	set(&c.Database, "DATABASE_PATH")
	set(&c.SiteConfig, "SITE_CONFIG_PATH")
	set(&c.Checkfront.CredentialsFile, "CHECKFRONT_CREDENTIALS_PATH")
	set(&c.Google.CredentialsFile, "GOOGLE_CREDENTIALS_PATH")
	set(&c.Google.TokenFile, "GOOGLE_TOKEN_PATH")
	set(&c.Lodgify.APIKey, "LODGIFY_API_KEY")

	if v := getenv("CAMPSYNC_SITE_CONFIGURATION"); v != "" {
		c.siteConfigData = []byte(v)
	}
	if v := getenv("CAMPSYNC_GOOGLE_CREDENTIALS"); v != "" {
		c.GoogleCredentials = []byte(v)
	}
	if v := getenv("CAMPSYNC_GOOGLE_TOKEN"); v != "" {
		c.GoogleToken = []byte(v)
	}
	if v := getenv("CAMPSYNC_CHECKFRONT_CREDENTIALS"); v != "" {
		c.checkfrontCredentials = []byte(v)
	}
}

// Resolve loads the timezone, the site configuration and credentials.
func (c *Config) Resolve() error {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrConfig, c.Timezone, err)
	}
	c.Location = loc

	if c.siteConfigData != nil {
		c.Sites, err = ParseSites(c.siteConfigData, FormatJSON)
	} else {
		c.Sites, err = LoadSites(c.SiteConfig)
	}
	if err != nil {
		return err
	}

	if c.Checkfront.Host == "" {
		c.Checkfront.Host = c.Sites.CheckfrontHost
	}
	if c.Checkfront.Host != "" && (c.Checkfront.APIKey == "" || c.Checkfront.APISecret == "") {
		data := c.checkfrontCredentials
		if data == nil {
			data, err = os.ReadFile(c.Checkfront.CredentialsFile)
			if err != nil {
				return fmt.Errorf("%w: checkfront credentials: %v", ErrConfig, err)
			}
		}
		if err := c.Checkfront.decodeCredentials(data); err != nil {
			return err
		}
	}

	switch c.Backend {
	case BackendGoogle:
		if c.GoogleCredentials == nil {
			data, err := os.ReadFile(c.Google.CredentialsFile)
			if err != nil {
				return fmt.Errorf("%w: google credentials: %v", ErrConfig, err)
			}
			c.GoogleCredentials = data
		}
		if c.GoogleToken == nil {
			// The token may already live in the state database.
			if data, err := os.ReadFile(c.Google.TokenFile); err == nil {
				c.GoogleToken = data
			}
		}
	case BackendCalDAV:
		if c.CalDAV.ServerURL == "" {
			return fmt.Errorf("%w: caldav backend requires caldav.server_url", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported backend %q", ErrConfig, c.Backend)
	}

	return nil
}

func (cf *CheckfrontConfig) decodeCredentials(data []byte) error {
	var creds struct {
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("%w: checkfront credentials: %v", ErrConfig, err)
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return fmt.Errorf("%w: checkfront credentials: api_key and api_secret are required", ErrConfig)
	}
	cf.APIKey = creds.APIKey
	cf.APISecret = creds.APISecret
	return nil
}

// CheckfrontEnabled reports whether the booking system is configured.
func (c *Config) CheckfrontEnabled() bool {
	return c.Checkfront.Host != "" && c.Checkfront.APIKey != ""
}

func (c *Config) LodgifyEnabled() bool {
	return c.Lodgify.APIKey != ""
}

// LodgifyDisplayName maps a Lodgify property name to its display name.
func (c *Config) LodgifyDisplayName(property string) string {
	if d, ok := c.Lodgify.PropertyDisplayNames[property]; ok {
		return d
	}
	return property
}

func wrap(err error) error {
	if errors.Is(err, ErrConfig) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConfig, err)
}

// IsConfigError is a convenience for callers translating errors to exit codes.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig)
}

func trimKey(s string) string {
	return strings.TrimSpace(s)
}
