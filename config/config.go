/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Built-in defaults
  2. A local .env file, loaded into the environment when present
  3. An optional config file (YAML, JSON, TOML or .env) given with -config
  4. Environment variables prefixed GESTCONT_, with "." replaced by "_"
     (GESTCONT_DB_DRIVER, GESTCONT_RATES_FILERS, ...)

Rates are percentages of the base each share is taken from. They are
validated at load time, so a bad rate stops the server from starting.
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/onomatopet/gestcontentieux/distribution"
	"github.com/onomatopet/gestcontentieux/store/sqldb"
)

const EnvPrefix = "GESTCONT"

type Config struct {
	Port         int                `mapstructure:"port"`
	DB           DBConfig           `mapstructure:"db"`
	Log          LogConfig          `mapstructure:"log"`
	Sweep        SweepConfig        `mapstructure:"sweep"`
	Distribution DistributionConfig `mapstructure:"distribution"`
	Rates        RatesConfig        `mapstructure:"rates"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SweepConfig drives the read-only sequence integrity sweep.
type SweepConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type DistributionConfig struct {
	Tolerance string `mapstructure:"tolerance"`
}

// RatesConfig holds percentages as decimal strings.
type RatesConfig struct {
	Indicator    string `mapstructure:"indicator"`
	Fund         string `mapstructure:"fund"`
	Treasury     string `mapstructure:"treasury"`
	Departmental string `mapstructure:"departmental"`
	General      string `mapstructure:"general"`
	Leaders      string `mapstructure:"leaders"`
	Filers       string `mapstructure:"filers"`
	Mutual       string `mapstructure:"mutual"`
	Common       string `mapstructure:"common"`
	Incentive    string `mapstructure:"incentive"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "./gestcontentieux.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "0 3 * * *") // 03:00 every day
	v.SetDefault("distribution.tolerance", distribution.DefaultTolerance.String())

	r := distribution.DefaultRates()
	v.SetDefault("rates.indicator", r.Indicator.String())
	v.SetDefault("rates.fund", r.Fund.String())
	v.SetDefault("rates.treasury", r.Treasury.String())
	v.SetDefault("rates.departmental", r.Departmental.String())
	v.SetDefault("rates.general", r.General.String())
	v.SetDefault("rates.leaders", r.Leaders.String())
	v.SetDefault("rates.filers", r.Filers.String())
	v.SetDefault("rates.mutual", r.Mutual.String())
	v.SetDefault("rates.common", r.Common.String())
	v.SetDefault("rates.incentive", r.Incentive.String())
}

// Load reads the configuration. path may be empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every option that can be checked without side effects.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := sqldb.ParseDialect(c.DB.Driver); err != nil {
		return err
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Sweep.Enabled {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			return fmt.Errorf("invalid sweep.schedule %q: %w", c.Sweep.Schedule, err)
		}
	}
	if _, err := c.Tolerance(); err != nil {
		return err
	}
	rates, err := c.DistributionRates()
	if err != nil {
		return err
	}
	return rates.Validate()
}

type rateField struct {
	name string
	raw  string
	dst  *decimal.Decimal
}

// DistributionRates parses the configured percentages.
func (c *Config) DistributionRates() (distribution.Rates, error) {
	var r distribution.Rates
	fields := []rateField{
		{"indicator", c.Rates.Indicator, &r.Indicator},
		{"fund", c.Rates.Fund, &r.Fund},
		{"treasury", c.Rates.Treasury, &r.Treasury},
		{"departmental", c.Rates.Departmental, &r.Departmental},
		{"general", c.Rates.General, &r.General},
		{"leaders", c.Rates.Leaders, &r.Leaders},
		{"filers", c.Rates.Filers, &r.Filers},
		{"mutual", c.Rates.Mutual, &r.Mutual},
		{"common", c.Rates.Common, &r.Common},
		{"incentive", c.Rates.Incentive, &r.Incentive},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return distribution.Rates{}, fmt.Errorf("invalid rates.%s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return r, nil
}

func (c *Config) Tolerance() (decimal.Decimal, error) {
	t, err := decimal.NewFromString(strings.TrimSpace(c.Distribution.Tolerance))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid distribution.tolerance %q: %w", c.Distribution.Tolerance, err)
	}
	if t.IsNegative() {
		return decimal.Zero, fmt.Errorf("distribution.tolerance must not be negative")
	}
	return t, nil
}

// Logger builds the process logger described by the log options.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log.level %q", s)
	}
	return level, nil
}
