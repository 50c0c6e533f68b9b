package mirror

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/defectmirror/analytics"
	"github.com/hazyhaar/defectmirror/defect"
	"github.com/hazyhaar/defectmirror/query"
)

// DataDirEnv overrides the default data directory.
const DataDirEnv = "DEFECTMIRROR_DATA_DIR"

// Config holds all defectmirror configuration.
type Config struct {
	DataDir          string   `yaml:"data_dir"`
	ListenAddr       string   `yaml:"listen_addr"`
	CORSOrigins      []string `yaml:"cors_origins"`
	LogLevel         string   `yaml:"log_level"`
	PageSizeDefault  int      `yaml:"page_size_default"`
	PageSizeMax      int      `yaml:"page_size_max"`
	TerminalStatuses []string `yaml:"terminal_statuses"`

	// RefreshInterval makes serve pick up generations published by another
	// process. Zero disables polling.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// DisableJournal skips the ops.db sync journal.
	DisableJournal bool `yaml:"disable_journal"`

	// TraceSQL logs every statement run against generation indexes.
	TraceSQL bool `yaml:"trace_sql"`

	Kanban    KanbanConfig    `yaml:"kanban"`
	Executive ExecutiveConfig `yaml:"executive"`
	Burndown  BurndownConfig  `yaml:"burndown"`
	Retention RetentionConfig `yaml:"retention"`
}

// KanbanConfig orders and filters board columns.
type KanbanConfig struct {
	Columns []string `yaml:"columns"`
	Hidden  []string `yaml:"hidden"`
}

// ExecutiveConfig controls the executive scorecard.
type ExecutiveConfig struct {
	InternalOwnerPattern string `yaml:"internal_owner_pattern"`
	StaleDays            int    `yaml:"stale_days"`
	NewUnworkedDays      int    `yaml:"new_unworked_days"`
	TopN                 int    `yaml:"top_n"`
}

// BurndownConfig controls the burndown projection.
type BurndownConfig struct {
	WindowDays  int `yaml:"window_days"`
	HorizonDays int `yaml:"horizon_days"`
}

// RetentionConfig bounds the number of generations kept on disk.
type RetentionConfig struct {
	Keep int `yaml:"keep"` // 0 keeps everything
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8086"
	}
	if c.CORSOrigins == nil {
		c.CORSOrigins = []string{"http://localhost:5173"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PageSizeDefault <= 0 {
		c.PageSizeDefault = 50
	}
	if c.PageSizeMax <= 0 {
		c.PageSizeMax = 5000
	}
	if len(c.TerminalStatuses) == 0 {
		c.TerminalStatuses = defect.DefaultTerminalStatuses
	}

	d := analytics.DefaultConfig()
	if len(c.Kanban.Columns) == 0 {
		c.Kanban.Columns = d.KanbanColumns
	}
	if c.Kanban.Hidden == nil {
		c.Kanban.Hidden = d.KanbanHidden
	}
	if c.Executive.InternalOwnerPattern == "" {
		c.Executive.InternalOwnerPattern = d.InternalOwnerPattern
	}
	if c.Executive.StaleDays <= 0 {
		c.Executive.StaleDays = d.StaleDays
	}
	if c.Executive.NewUnworkedDays <= 0 {
		c.Executive.NewUnworkedDays = d.NewUnworkedDays
	}
	if c.Executive.TopN <= 0 {
		c.Executive.TopN = d.TopN
	}
	if c.Burndown.WindowDays <= 0 {
		c.Burndown.WindowDays = d.WindowDays
	}
	if c.Burndown.HorizonDays <= 0 {
		c.Burndown.HorizonDays = d.HorizonDays
	}
	if c.Retention.Keep < 0 {
		c.Retention.Keep = 0
	}
}

// DefaultDataDir returns $DEFECTMIRROR_DATA_DIR, or
// ~/.local/share/defectmirror.
func DefaultDataDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "defectmirror-data"
	}
	return filepath.Join(home, ".local", "share", "defectmirror")
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) queryConfig() query.Config {
	return query.Config{
		DefaultPageSize: c.PageSizeDefault,
		MaxPageSize:     c.PageSizeMax,
		Terminal:        c.TerminalStatuses,
		Hidden:          c.Kanban.Hidden,
	}
}

func (c *Config) analyticsConfig() analytics.Config {
	return analytics.Config{
		Terminal:             c.TerminalStatuses,
		KanbanColumns:        c.Kanban.Columns,
		KanbanHidden:         c.Kanban.Hidden,
		InternalOwnerPattern: c.Executive.InternalOwnerPattern,
		StaleDays:            c.Executive.StaleDays,
		NewUnworkedDays:      c.Executive.NewUnworkedDays,
		TopN:                 c.Executive.TopN,
		WindowDays:           c.Burndown.WindowDays,
		HorizonDays:          c.Burndown.HorizonDays,
	}
}
