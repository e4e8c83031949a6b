package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gridsync/internal/domain"
	"gridsync/internal/util"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for gridsync.
type Config struct {
	Storage  Storage         `yaml:"storage"`
	Upstream Upstream        `yaml:"upstream"`
	Alpaca   Alpaca          `yaml:"alpaca"`
	Logging  Logging         `yaml:"logging"`
	Sync     SyncConfig      `yaml:"sync"`
	Daemon   DaemonConfig    `yaml:"daemon"`
	Datasets []DatasetConfig `yaml:"datasets"`
}

// Storage selects the warehouse and run-ledger backends.
type Storage struct {
	DataDir         string `yaml:"data_dir"`
	WarehouseDriver string `yaml:"warehouse_driver"` // sqlite | duckdb | parquet
	WarehouseDSN    string `yaml:"warehouse_dsn"`
	LedgerDriver    string `yaml:"ledger_driver"` // sqlite | postgres
	LedgerDSN       string `yaml:"ledger_dsn"`
}

// Upstream holds the BMRS API endpoint and request parameters.
type Upstream struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	RequestTimeout string `yaml:"request_timeout"`
	TokenParam     string `yaml:"token_param"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SyncConfig controls the worker pool, retry policy and rate limits.
type SyncConfig struct {
	Concurrency   int     `yaml:"concurrency"`
	MaxRetries    int     `yaml:"max_retries"`
	BaseDelay     string  `yaml:"base_delay"`
	MaxDelay      string  `yaml:"max_delay"`
	MaxRetryAfter string  `yaml:"max_retry_after"`
	RatePerSec    float64 `yaml:"rate_per_sec"`
	Burst         int     `yaml:"burst"`
	RunTimeout    string  `yaml:"run_timeout"`
}

// DaemonConfig controls the scheduled sync daemon.
type DaemonConfig struct {
	Interval string `yaml:"interval"`
	Lookback string `yaml:"lookback"`
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// DatasetConfig describes one upstream dataset. Spans use ParseSpan syntax.
type DatasetConfig struct {
	ID                    string   `yaml:"id"`
	Source                string   `yaml:"source"`
	Path                  string   `yaml:"path"`
	Table                 string   `yaml:"table"`
	Window                string   `yaml:"window"`
	MaxSpan               string   `yaml:"max_span"`
	PublicationLag        string   `yaml:"publication_lag"`
	KeyFields             []string `yaml:"key_fields"`
	RevisionField         string   `yaml:"revision_field"`
	IncludeRevision       bool     `yaml:"include_revision"`
	TimeField             string   `yaml:"time_field"`
	SettlementDateField   string   `yaml:"settlement_date_field"`
	SettlementPeriodField string   `yaml:"settlement_period_field"`
	TimeFields            []string `yaml:"time_fields"`
	Fields                []string `yaml:"fields"`
	RetryEmpty            bool     `yaml:"retry_empty"`
	TimeFrame             string   `yaml:"timeframe"`
	Feed                  string   `yaml:"feed"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("WAREHOUSE_DSN"); v != "" {
		cfg.Storage.WarehouseDSN = v
	}
	if v := os.Getenv("LEDGER_DSN"); v != "" {
		cfg.Storage.LedgerDSN = v
	}

	if v := os.Getenv("BMRS_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("BMRS_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.WarehouseDriver == "" {
		c.Storage.WarehouseDriver = "sqlite"
	}
	if c.Storage.LedgerDriver == "" {
		c.Storage.LedgerDriver = "sqlite"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://data.elexon.co.uk/bmrs/api/v1"
	}
	if c.Upstream.RequestTimeout == "" {
		c.Upstream.RequestTimeout = "90s"
	}
	if c.Upstream.TokenParam == "" {
		c.Upstream.TokenParam = "next"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = 4
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = 5
	}
	if c.Sync.BaseDelay == "" {
		c.Sync.BaseDelay = "5s"
	}
	if c.Sync.MaxDelay == "" {
		c.Sync.MaxDelay = "2m"
	}
	if c.Sync.MaxRetryAfter == "" {
		c.Sync.MaxRetryAfter = "5m"
	}
	if c.Sync.Burst <= 0 {
		c.Sync.Burst = 1
	}
	if c.Sync.RunTimeout == "" {
		c.Sync.RunTimeout = "6h"
	}
	if c.Daemon.Interval == "" {
		c.Daemon.Interval = "30m"
	}
	if c.Daemon.Lookback == "" {
		c.Daemon.Lookback = "7d"
	}
	if c.Daemon.HTTPAddr == "" {
		c.Daemon.HTTPAddr = ":9464"
	}
	for i := range c.Datasets {
		ds := &c.Datasets[i]
		if ds.Source == "" {
			ds.Source = string(domain.SourceBMRS)
		}
		if ds.Path == "" {
			ds.Path = ds.ID
		}
		if ds.Table == "" {
			ds.Table = TableName(ds.Source, ds.ID)
		}
		if ds.Window == "" {
			ds.Window = "1d"
		}
	}
}

// TableName derives a safe warehouse table name from a source and dataset id.
func TableName(source, id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(source + "_" + id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Validation and typed accessors
// ---------------------------------------------------------------------------

// Validate checks that spans parse, drivers are known and dataset ids are
// unique.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.WarehouseDriver {
	case "sqlite", "duckdb", "parquet":
	default:
		errs = append(errs, fmt.Errorf("unknown warehouse_driver %q", c.Storage.WarehouseDriver))
	}
	switch c.Storage.LedgerDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown ledger_driver %q", c.Storage.LedgerDriver))
	}
	if c.Storage.LedgerDriver == "postgres" && c.Storage.LedgerDSN == "" {
		errs = append(errs, errors.New("ledger_driver postgres requires ledger_dsn"))
	}

	for name, spec := range map[string]string{
		"upstream.request_timeout": c.Upstream.RequestTimeout,
		"sync.base_delay":          c.Sync.BaseDelay,
		"sync.max_delay":           c.Sync.MaxDelay,
		"sync.max_retry_after":     c.Sync.MaxRetryAfter,
		"sync.run_timeout":         c.Sync.RunTimeout,
		"daemon.interval":          c.Daemon.Interval,
		"daemon.lookback":          c.Daemon.Lookback,
	} {
		if _, err := util.ParseSpan(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	seen := make(map[string]bool, len(c.Datasets))
	for _, ds := range c.Datasets {
		if ds.ID == "" {
			errs = append(errs, errors.New("dataset with empty id"))
			continue
		}
		if seen[ds.ID] {
			errs = append(errs, fmt.Errorf("dataset %s declared twice", ds.ID))
		}
		seen[ds.ID] = true
		if _, err := ds.Dataset(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dataset converts the YAML form into domain metadata.
func (d DatasetConfig) Dataset() (domain.Dataset, error) {
	window, err := util.ParseSpan(d.Window)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("dataset %s window: %w", d.ID, err)
	}
	maxSpan, err := util.ParseSpan(d.MaxSpan)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("dataset %s max_span: %w", d.ID, err)
	}
	lag, err := util.ParseSpan(d.PublicationLag)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("dataset %s publication_lag: %w", d.ID, err)
	}

	src := domain.SourceKind(d.Source)
	switch src {
	case domain.SourceBMRS, domain.SourceAlpaca:
	default:
		return domain.Dataset{}, fmt.Errorf("dataset %s: unknown source %q", d.ID, d.Source)
	}
	if len(d.KeyFields) == 0 {
		return domain.Dataset{}, fmt.Errorf("dataset %s: key_fields is required", d.ID)
	}
	if d.TimeField == "" && (d.SettlementDateField == "" || d.SettlementPeriodField == "") {
		return domain.Dataset{}, fmt.Errorf("dataset %s: time_field or settlement fields required", d.ID)
	}
	if !validIdent(d.Table) {
		return domain.Dataset{}, fmt.Errorf("dataset %s: table %q must match [a-z0-9_]+", d.ID, d.Table)
	}
	if d.IncludeRevision && d.RevisionField == "" {
		return domain.Dataset{}, fmt.Errorf("dataset %s: include_revision needs revision_field", d.ID)
	}

	return domain.Dataset{
		ID:                    d.ID,
		Source:                src,
		Path:                  d.Path,
		Table:                 d.Table,
		Window:                window,
		MaxSpan:               maxSpan,
		PublicationLag:        lag,
		KeyFields:             d.KeyFields,
		RevisionField:         d.RevisionField,
		IncludeRevision:       d.IncludeRevision,
		TimeField:             d.TimeField,
		SettlementDateField:   d.SettlementDateField,
		SettlementPeriodField: d.SettlementPeriodField,
		TimeFields:            d.TimeFields,
		Fields:                d.Fields,
		RetryEmpty:            d.RetryEmpty,
		TimeFrame:             d.TimeFrame,
		Feed:                  d.Feed,
	}, nil
}

// FindDataset returns the dataset with the given id (case-insensitive).
func (c *Config) FindDataset(id string) (domain.Dataset, error) {
	for _, d := range c.Datasets {
		if strings.EqualFold(d.ID, id) {
			return d.Dataset()
		}
	}
	return domain.Dataset{}, fmt.Errorf("unknown dataset %q", id)
}

// AllDatasets returns every configured dataset in declaration order.
func (c *Config) AllDatasets() ([]domain.Dataset, error) {
	out := make([]domain.Dataset, 0, len(c.Datasets))
	for _, d := range c.Datasets {
		ds, err := d.Dataset()
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}

// Backoff builds the retry policy from the sync section.
func (c *Config) Backoff() util.Backoff {
	b := util.DefaultBackoff()
	b.MaxAttempts = c.Sync.MaxRetries
	b.BaseDelay = mustSpan(c.Sync.BaseDelay)
	b.MaxDelay = mustSpan(c.Sync.MaxDelay)
	b.MaxHint = mustSpan(c.Sync.MaxRetryAfter)
	return b
}

// WarehouseDSN returns the warehouse target, defaulting to a file or
// directory under the data dir that matches the driver.
func (c *Config) WarehouseDSN() string {
	if c.Storage.WarehouseDSN != "" {
		return c.Storage.WarehouseDSN
	}
	switch c.Storage.WarehouseDriver {
	case "duckdb":
		return filepath.Join(c.Storage.DataDir, "warehouse.duckdb")
	case "parquet":
		return filepath.Join(c.Storage.DataDir, "warehouse")
	default:
		return filepath.Join(c.Storage.DataDir, "warehouse.db")
	}
}

// LedgerDSN returns the ledger target, defaulting to a SQLite file under the
// data dir.
func (c *Config) LedgerDSN() string {
	if c.Storage.LedgerDSN != "" {
		return c.Storage.LedgerDSN
	}
	return filepath.Join(c.Storage.DataDir, "ledger.db")
}

// RequestTimeout returns the per-request HTTP timeout.
func (c *Config) RequestTimeout() time.Duration { return mustSpan(c.Upstream.RequestTimeout) }

// RunTimeout returns the overall run timeout.
func (c *Config) RunTimeout() time.Duration { return mustSpan(c.Sync.RunTimeout) }

// DaemonInterval returns the pause between daemon sync rounds.
func (c *Config) DaemonInterval() time.Duration { return mustSpan(c.Daemon.Interval) }

// DaemonLookback returns how far back each daemon round looks.
func (c *Config) DaemonLookback() time.Duration { return mustSpan(c.Daemon.Lookback) }

// mustSpan is only used on values already checked by Validate.
func mustSpan(spec string) time.Duration {
	d, _ := util.ParseSpan(spec)
	return d
}
