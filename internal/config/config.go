package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"quietcal/internal/conflict"
	"quietcal/internal/interval"
	"quietcal/internal/windows"
)

// EnvPrefix prefixes every environment override, e.g. QUIETCAL_LISTEN.
const EnvPrefix = "QUIETCAL_"

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// ID is an internal identifier used for event IDs and logging.
	ID string `yaml:"id" json:"id"`
	// Owner is the owner the feed's events are imported for.
	Owner string `yaml:"owner" json:"owner"`
	// URL is the ICS subscription endpoint.
	URL  string `yaml:"url" json:"url"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type LayoutConfig struct {
	PxPerHour     float64 `yaml:"px_per_hour" json:"px_per_hour"`
	ClusterWidths bool    `yaml:"cluster_widths" json:"cluster_widths"`
}

type DetectorConfig struct {
	GuardMinutes         int             `yaml:"guard_minutes" json:"guard_minutes"`
	SuggestOffsetMinutes int             `yaml:"suggest_offset_minutes" json:"suggest_offset_minutes"`
	Severity             conflict.Policy `yaml:"severity" json:"severity"`
}

// BaseTimesConfig selects where window base times come from. File wins
// over Static when both are set.
type BaseTimesConfig struct {
	File   string            `yaml:"file,omitempty" json:"file,omitempty"`
	Static map[string]string `yaml:"static,omitempty" json:"static,omitempty"`
}

type AdvisorConfig struct {
	// URL of the remote advisory service. Empty uses the heuristic only.
	URL           string        `yaml:"url,omitempty" json:"url,omitempty"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	MinConfidence float64       `yaml:"min_confidence" json:"min_confidence"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone days, windows and recurrences are
	// evaluated in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	// DataDir holds the event store and the ICS cache. "~" is expanded.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// RefreshCron is the five-field schedule for import + scan.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays is how many days, starting today, each scan covers.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// Owners are scanned on every refresh, in addition to owners that
	// already have data.
	Owners []string `yaml:"owners" json:"owners"`

	Layout    LayoutConfig    `yaml:"layout" json:"layout"`
	Detector  DetectorConfig  `yaml:"detector" json:"detector"`
	Windows   windows.Table   `yaml:"windows" json:"windows"`
	BaseTimes BaseTimesConfig `yaml:"base_times" json:"base_times"`
	Advisor   AdvisorConfig   `yaml:"advisor" json:"advisor"`
	ICS       []ICSConfig     `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "UTC",
		WeekStart:   "monday",
		DataDir:     "~/.quietcal",
		RefreshCron: "*/15 * * * *",
		HorizonDays: 7,
		LogLevel:    "info",
		Owners:      []string{},
		Layout:      LayoutConfig{PxPerHour: 64},
		Detector: DetectorConfig{
			GuardMinutes:         conflict.DefaultGuardMinutes,
			SuggestOffsetMinutes: conflict.DefaultGuardMinutes, // suggest past the guard, not inside it
			Severity:             conflict.DefaultPolicy(),
		},
		Windows: windows.DefaultTable(),
		Advisor: AdvisorConfig{
			Timeout:  3 * time.Second,
			CacheTTL: 10 * time.Minute,
		},
		ICS: []ICSConfig{},
	}
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	switch strings.ToLower(c.WeekStart) {
	case "monday", "sunday":
		c.WeekStart = strings.ToLower(c.WeekStart)
	default:
		c.WeekStart = d.WeekStart
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = d.HorizonDays
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Owners == nil {
		c.Owners = []string{}
	}
	if c.Layout.PxPerHour <= 0 {
		c.Layout.PxPerHour = d.Layout.PxPerHour
	}
	if c.Detector.GuardMinutes < 0 {
		c.Detector.GuardMinutes = 0
	}
	if len(c.Detector.Severity) == 0 {
		c.Detector.Severity = d.Detector.Severity
	}
	if len(c.Windows) == 0 {
		c.Windows = d.Windows
	}
	if c.Advisor.Timeout <= 0 {
		c.Advisor.Timeout = d.Advisor.Timeout
	}
	if c.Advisor.CacheTTL < 0 {
		c.Advisor.CacheTTL = 0
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("refresh %q: %w", c.RefreshCron, err)
	}
	if err := c.Detector.Severity.Validate(); err != nil {
		return fmt.Errorf("detector.severity: %w", err)
	}
	if c.Advisor.MinConfidence < 0 || c.Advisor.MinConfidence > 1 {
		return fmt.Errorf("advisor.min_confidence %v outside [0,1]", c.Advisor.MinConfidence)
	}
	seen := map[string]bool{}
	for i, w := range c.Windows {
		name := strings.ToLower(strings.TrimSpace(w.Name))
		if name == "" {
			return fmt.Errorf("windows[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("windows[%d]: duplicate name %q", i, w.Name)
		}
		seen[name] = true
	}
	for i, s := range c.ICS {
		if s.ID == "" || s.URL == "" || s.Owner == "" {
			return fmt.Errorf("ics[%d]: id, url and owner are required", i)
		}
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		return errors.New("basic_auth.username is required when basic_auth is set")
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) WeekStartDay() time.Weekday {
	return interval.WeekStartFromString(c.WeekStart)
}

// ApplyEnv overrides settings from QUIETCAL_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(EnvPrefix + name)); v != "" {
			*dst = v
		}
	}
	set("LISTEN", &c.Listen)
	set("TIMEZONE", &c.Timezone)
	set("DATA_DIR", &c.DataDir)
	set("LOG_LEVEL", &c.LogLevel)
	set("REFRESH", &c.RefreshCron)
	set("ADVISOR_URL", &c.Advisor.URL)
	set("BASE_TIMES_FILE", &c.BaseTimes.File)

	user, pass := getenv(EnvPrefix+"BASIC_AUTH_USER"), getenv(EnvPrefix+"BASIC_AUTH_PASSWORD")
	if user != "" {
		c.BasicAuth = &BasicAuthConfig{Username: user, Password: pass}
	}
}

// ExpandPaths resolves "~" in file system settings.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{&c.DataDir, &c.BaseTimes.File} {
		if *p == "" {
			continue
		}
		v, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

// StorePath and CachePath are the data directories under DataDir.
func (c *Config) StorePath() string { return filepath.Join(c.DataDir, "store") }
func (c *Config) CachePath() string { return filepath.Join(c.DataDir, "ics-cache") }

// Load loads configuration from the given YAML path. Keys missing from the
// file keep their defaults. When the file does not exist a default config
// is written there (0600) and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes cfg to path atomically via a temp file + rename, with 0600
// permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".quietcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
