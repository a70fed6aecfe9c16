package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zyansaber/ticketsync/internal/batch"
	"github.com/zyansaber/ticketsync/internal/bounded"
	"github.com/zyansaber/ticketsync/internal/diff"
	"github.com/zyansaber/ticketsync/internal/domain"
	"github.com/zyansaber/ticketsync/internal/snapshot"
	"github.com/zyansaber/ticketsync/internal/source"
)

// Store backends.
const (
	BackendRemote = "rtdb"
	BackendSQLite = "sqlite"
)

// Config represents the application configuration
type Config struct {
	// StoreURL selects the backend: https://<db>.firebasedatabase.app for
	// the remote tree, sqlite://<path> or sqlite::memory: for a local one.
	StoreURL       string  `yaml:"store_url"`
	ServiceAccount string  `yaml:"service_account"`
	StoreSecret    string  `yaml:"store_secret"`
	WriteSizeLimit string  `yaml:"write_size_limit"`
	StoreRPS       float64 `yaml:"store_rps"`

	Root        string `yaml:"root"`
	SummaryRoot string `yaml:"summary_root"`
	MaxBackups  int    `yaml:"max_backups"`
	Prune       bool   `yaml:"prune"`

	SourceURL         string   `yaml:"source_url"`
	SourceUser        string   `yaml:"source_user"`
	SourcePassword    string   `yaml:"source_password"`
	SourcePageSize    int      `yaml:"source_page_size"`
	SourceParallelism int      `yaml:"source_parallelism"`
	SourceRPS         float64  `yaml:"source_rps"`
	SourceSelect      []string `yaml:"source_select"`

	Roles      []string `yaml:"roles"`
	IDField    string   `yaml:"id_field"`
	RoleField  string   `yaml:"role_field"`
	RoleFields []string `yaml:"role_fields"`
	MetaFields []string `yaml:"meta_fields"`

	MaxTickets      int           `yaml:"max_tickets"`
	MaxPaths        int           `yaml:"max_paths"`
	MaxBytes        int           `yaml:"max_bytes"`
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	DeleteChunkSize int           `yaml:"delete_chunk_size"`

	Diff     diff.Fields `yaml:"diff"`
	Statuses []string    `yaml:"statuses"`

	ArchiveDir    string `yaml:"archive_dir"`
	ArchiveBucket string `yaml:"archive_bucket"`
	ArchivePrefix string `yaml:"archive_prefix"`
	ArchiveRegion string `yaml:"archive_region"`
	ArchiveLevel  int    `yaml:"archive_level"`

	// WebhookURLs are notified after a sync publishes its summary.
	WebhookURLs []string `yaml:"webhook_urls"`

	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	Output        string `yaml:"output"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Root:              "c4cTickets",
		SummaryRoot:       "dailyprogress",
		MaxBackups:        snapshot.DefaultMaxBackups,
		Prune:             true,
		SourcePageSize:    source.DefaultPageSize,
		SourceParallelism: source.DefaultParallelism,
		IDField:           "TicketID",
		RoleField:         "PartyRoleCode",
		RoleFields:        []string{"PartyRoleCode", "InvolvedPartyID", "InvolvedPartyName"},
		MetaFields:        []string{"__metadata"},
		MaxTickets:        batch.DefaultMaxTickets,
		MaxPaths:          batch.DefaultMaxPaths,
		MaxBytes:          batch.DefaultMaxBytes,
		MaxRetries:        bounded.DefaultMaxRetries,
		BaseDelay:         bounded.DefaultBaseDelay,
		DeleteChunkSize:   bounded.DefaultChunkSize,
		Diff:              diff.DefaultFields(),
		Statuses:          append([]string(nil), diff.DefaultStatuses...),
		LogLevel:          "info",
		LogFormat:         "text",
		LogMaxSizeMB:      50,
		LogMaxBackups:     5,
		Output:            "text",
	}
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/ticketsync/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := Default()

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// YAML config is optional; a malformed one is not.
	if err := loadYAMLConfig(cfg); err != nil && !os.IsNotExist(err) {
		return nil, &Error{Problems: []string{fmt.Sprintf("config.yaml: %v", err)}}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(dst *string, envVar string) {
		if v := os.Getenv(envVar); v != "" {
			*dst = v
		}
	}
	setSecret := func(dst *string, envVar string) {
		if v := getEnvOrFile(envVar, envVar+"_FILE"); v != "" {
			*dst = v
		}
	}
	setList := func(dst *[]string, envVar string) {
		if v := os.Getenv(envVar); v != "" {
			*dst = splitList(v)
		}
	}

	setString(&cfg.StoreURL, "TICKETSYNC_STORE_URL")
	setString(&cfg.ServiceAccount, "TICKETSYNC_SERVICE_ACCOUNT")
	setSecret(&cfg.StoreSecret, "TICKETSYNC_STORE_SECRET")
	setString(&cfg.WriteSizeLimit, "TICKETSYNC_WRITE_SIZE_LIMIT")
	setString(&cfg.Root, "TICKETSYNC_ROOT")
	setString(&cfg.SummaryRoot, "TICKETSYNC_SUMMARY_ROOT")
	setString(&cfg.SourceURL, "TICKETSYNC_SOURCE_URL")
	setString(&cfg.SourceUser, "TICKETSYNC_SOURCE_USER")
	setSecret(&cfg.SourcePassword, "TICKETSYNC_SOURCE_PASSWORD")
	setList(&cfg.Roles, "TICKETSYNC_ROLES")
	setString(&cfg.RoleField, "TICKETSYNC_ROLE_FIELD")
	setList(&cfg.RoleFields, "TICKETSYNC_ROLE_FIELDS")
	setList(&cfg.WebhookURLs, "TICKETSYNC_WEBHOOK_URLS")
	setString(&cfg.ArchiveDir, "TICKETSYNC_ARCHIVE_DIR")
	setString(&cfg.ArchiveBucket, "TICKETSYNC_ARCHIVE_BUCKET")
	setString(&cfg.ArchivePrefix, "TICKETSYNC_ARCHIVE_PREFIX")
	setString(&cfg.ArchiveRegion, "TICKETSYNC_ARCHIVE_REGION")
	setString(&cfg.LogLevel, "TICKETSYNC_LOG_LEVEL")
	setString(&cfg.LogFormat, "TICKETSYNC_LOG_FORMAT")
	setString(&cfg.LogFile, "TICKETSYNC_LOG_FILE")
	setString(&cfg.Output, "TICKETSYNC_OUTPUT")

	var problems []string
	for _, n := range []struct {
		env string
		dst *int
	}{
		{"TICKETSYNC_MAX_BACKUPS", &cfg.MaxBackups},
		{"TICKETSYNC_MAX_TICKETS", &cfg.MaxTickets},
		{"TICKETSYNC_MAX_PATHS", &cfg.MaxPaths},
		{"TICKETSYNC_MAX_BYTES", &cfg.MaxBytes},
		{"TICKETSYNC_MAX_RETRIES", &cfg.MaxRetries},
		{"TICKETSYNC_SOURCE_PARALLELISM", &cfg.SourceParallelism},
		{"TICKETSYNC_SOURCE_PAGE_SIZE", &cfg.SourcePageSize},
	} {
		v := os.Getenv(n.env)
		if v == "" {
			continue
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %q is not an integer", n.env, v))
			continue
		}
		*n.dst = i
	}
	if v := os.Getenv("TICKETSYNC_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("TICKETSYNC_BASE_DELAY: %v", err))
		} else {
			cfg.BaseDelay = d
		}
	}
	if v := os.Getenv("TICKETSYNC_PRUNE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("TICKETSYNC_PRUNE: %q is not a boolean", v))
		} else {
			cfg.Prune = b
		}
	}

	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}

// Backend reports which store StoreURL selects.
func (c *Config) Backend() string {
	if strings.HasPrefix(c.StoreURL, "sqlite:") {
		return BackendSQLite
	}
	return BackendRemote
}

// SQLitePath returns the database path of a sqlite StoreURL.
func (c *Config) SQLitePath() string {
	p := strings.TrimPrefix(c.StoreURL, "sqlite:")
	return strings.TrimPrefix(p, "//")
}

// loadYAMLConfig loads configuration from ~/.config/ticketsync/config.yaml
func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(homeDir, ".config", "ticketsync", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, just check cwd
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		if dir == homeDir {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// Error is a configuration error. It is raised before any remote call and
// never retried.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return "invalid configuration:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Validate checks everything needed to open the store and address roots.
func (c *Config) Validate() error {
	var problems []string

	switch {
	case strings.TrimSpace(c.StoreURL) == "":
		problems = append(problems, "store URL is required (TICKETSYNC_STORE_URL)")
	case c.Backend() == BackendSQLite:
		if c.SQLitePath() == "" {
			problems = append(problems, "sqlite store URL has no path")
		}
	default:
		u, err := url.Parse(c.StoreURL)
		switch {
		case err != nil || u.Host == "":
			problems = append(problems, fmt.Sprintf("store URL %q is not a valid URL", c.StoreURL))
		case u.Scheme == "https" && c.ServiceAccount == "" && c.StoreSecret == "":
			problems = append(problems, "remote store needs credentials (TICKETSYNC_SERVICE_ACCOUNT or TICKETSYNC_STORE_SECRET)")
		case u.Scheme != "https" && u.Scheme != "http":
			problems = append(problems, fmt.Sprintf("store URL scheme %q is not supported", u.Scheme))
		}
	}

	if err := domain.ValidateRoot(c.Root); err != nil {
		problems = append(problems, err.Error())
	}
	if c.SummaryRoot != "" {
		if err := domain.ValidateRoot(c.SummaryRoot); err != nil {
			problems = append(problems, "summary "+err.Error())
		}
	}
	if c.MaxBackups < 1 {
		problems = append(problems, "max_backups must be at least 1")
	}
	for name, v := range map[string]int{
		"max_tickets": c.MaxTickets,
		"max_paths":   c.MaxPaths,
		"max_bytes":   c.MaxBytes,
		"max_retries": c.MaxRetries,
	} {
		if v <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %d", name, v))
		}
	}
	if c.BaseDelay <= 0 {
		problems = append(problems, "base_delay must be positive")
	}
	if err := diff.ValidateFields(c.Diff); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}

	if len(problems) > 0 {
		return &Error{Problems: sortedProblems(problems)}
	}
	return nil
}

// ValidateSource checks what a sync run needs on top of Validate.
func (c *Config) ValidateSource() error {
	var problems []string
	if err := c.Validate(); err != nil {
		problems = append(problems, err.(*Error).Problems...)
	}
	if strings.TrimSpace(c.SourceURL) == "" {
		problems = append(problems, "source URL is required (TICKETSYNC_SOURCE_URL)")
	}
	if len(c.Roles) == 0 {
		problems = append(problems, "at least one role is required (TICKETSYNC_ROLES)")
	}
	for _, r := range c.Roles {
		if err := domain.ValidateRole(r); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.SourcePageSize <= 0 {
		problems = append(problems, "source_page_size must be positive")
	}
	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}

// sortedProblems keeps map-driven checks in a stable order.
func sortedProblems(p []string) []string {
	out := append([]string(nil), p...)
	sort.Strings(out)
	return out
}
