package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/cli/appctx"
	"github.com/zyansaber/ticketsync/internal/config"
	"github.com/zyansaber/ticketsync/internal/logging"
)

var configAdmCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management and introspection",
	Long:  `Commands for inspecting and validating configuration. These are administrative operations.`,
}

var configDoctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Show effective configuration and validate settings",
	Long: `Displays the effective configuration values and their sources, and validates
that all required settings are correctly configured. With --ping the store
is contacted with a shallow listing of the live root.`,
	RunE: runConfigDoctor,
}

var (
	configDoctorJSON bool
	configDoctorPing bool
)

type configValue struct {
	Value  string `json:"value"`
	Source string `json:"source"`
	Valid  bool   `json:"valid"`
	Note   string `json:"note,omitempty"`
}

type configDoctorReport struct {
	Config   map[string]configValue `json:"config"`
	Warnings []string               `json:"warnings"`
}

func init() {
	rootAdmCmd.AddCommand(configAdmCmd)
	configAdmCmd.AddCommand(configDoctorCmd)

	configDoctorCmd.Flags().BoolVar(&configDoctorJSON, "json", false, "Output as JSON")
	configDoctorCmd.Flags().BoolVar(&configDoctorPing, "ping", false, "Contact the store")
}

// configKeys lists the reported settings in display order.
var configKeys = []struct {
	key, env, flag string
	secret         bool
	get            func(*config.Config) string
}{
	{"store_url", "TICKETSYNC_STORE_URL", "store", false, func(c *config.Config) string { return c.StoreURL }},
	{"service_account", "TICKETSYNC_SERVICE_ACCOUNT", "", false, func(c *config.Config) string { return c.ServiceAccount }},
	{"store_secret", "TICKETSYNC_STORE_SECRET", "", true, func(c *config.Config) string { return c.StoreSecret }},
	{"root", "TICKETSYNC_ROOT", "root", false, func(c *config.Config) string { return c.Root }},
	{"summary_root", "TICKETSYNC_SUMMARY_ROOT", "", false, func(c *config.Config) string { return c.SummaryRoot }},
	{"source_url", "TICKETSYNC_SOURCE_URL", "", false, func(c *config.Config) string { return c.SourceURL }},
	{"source_user", "TICKETSYNC_SOURCE_USER", "", false, func(c *config.Config) string { return c.SourceUser }},
	{"source_password", "TICKETSYNC_SOURCE_PASSWORD", "", true, func(c *config.Config) string { return c.SourcePassword }},
	{"roles", "TICKETSYNC_ROLES", "", false, func(c *config.Config) string { return strings.Join(c.Roles, ",") }},
	{"log_file", "TICKETSYNC_LOG_FILE", "", false, func(c *config.Config) string { return c.LogFile }},
	{"archive_dir", "TICKETSYNC_ARCHIVE_DIR", "", false, func(c *config.Config) string { return c.ArchiveDir }},
	{"archive_bucket", "TICKETSYNC_ARCHIVE_BUCKET", "", false, func(c *config.Config) string { return c.ArchiveBucket }},
	{"webhook_urls", "TICKETSYNC_WEBHOOK_URLS", "", false, func(c *config.Config) string { return strings.Join(c.WebhookURLs, ",") }},
}

func runConfigDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	appctx.ApplyFlags(cmd, cfg)

	report := &configDoctorReport{
		Config:   make(map[string]configValue),
		Warnings: []string{},
	}

	var problems []string
	var cerr *config.Error
	if err := cfg.ValidateSource(); errors.As(err, &cerr) {
		problems = cerr.Problems
	}

	for _, k := range configKeys {
		v := configValue{Value: k.get(cfg), Source: "config file or default", Valid: true}
		switch {
		case k.flag != "" && cmd.Flag(k.flag) != nil && cmd.Flag(k.flag).Changed:
			v.Source = "command-line flag --" + k.flag
		case os.Getenv(k.env) != "":
			v.Source = "environment variable " + k.env
		case os.Getenv(k.env+"_FILE") != "":
			v.Source = "environment variable " + k.env + "_FILE"
		}
		for _, p := range problems {
			if mentions(p, k.key, k.env) {
				v.Valid = false
				v.Note = p
			}
		}
		if k.secret && v.Value != "" {
			v.Value = "(set)"
		}
		if v.Value == "" {
			v.Value = "(not set)"
		}
		report.Config[k.key] = v
	}
	report.Warnings = append(report.Warnings, problems...)

	if cfg.LogFile != "" {
		if _, err := os.Stat(cfg.LogFile); err != nil && !os.IsNotExist(err) {
			report.Warnings = append(report.Warnings, fmt.Sprintf("log file is not accessible: %v", err))
		}
	}

	if configDoctorPing {
		report.Warnings = append(report.Warnings, pingStore(cmd, cfg)...)
	}

	if configDoctorJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration Report")
	fmt.Fprintln(out, "====================")
	fmt.Fprintln(out)
	for _, k := range configKeys {
		v := report.Config[k.key]
		mark := "ok"
		if !v.Valid {
			mark = "INVALID"
		}
		fmt.Fprintf(out, "%s: %s [%s]\n", k.env, v.Value, mark)
		fmt.Fprintf(out, "    Source: %s\n", v.Source)
		if v.Note != "" {
			fmt.Fprintf(out, "    Note: %s\n", v.Note)
		}
	}

	if len(report.Warnings) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Warnings:")
		for _, w := range report.Warnings {
			fmt.Fprintf(out, "  - %s\n", w)
		}
	} else {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "All checks passed.")
	}
	return nil
}

func mentions(problem, key, env string) bool {
	p := strings.ToLower(problem)
	return strings.Contains(problem, env) || strings.Contains(p, strings.ReplaceAll(key, "_", " ")) ||
		strings.Contains(p, key)
}

func pingStore(cmd *cobra.Command, cfg *config.Config) []string {
	if err := cfg.Validate(); err != nil {
		return []string{"store not contacted: configuration is invalid"}
	}
	l, err := logging.New(cfg)
	if err != nil {
		return []string{err.Error()}
	}
	defer l.Close()

	s, err := appctx.OpenStore(cmd.Context(), cfg, l.Logger)
	if err != nil {
		return []string{fmt.Sprintf("store open failed: %v", err)}
	}
	defer s.Close()

	listing, err := s.ShallowList(cmd.Context(), cfg.Root)
	if err != nil {
		return []string{fmt.Sprintf("store listing failed: %v", err)}
	}
	if !listing.Exists {
		return []string{fmt.Sprintf("root %s is empty", cfg.Root)}
	}
	return nil
}
