package config

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	hlog "github.com/halyard/halyard/log"
)

type AppConfig struct {
	StatePath   string
	JournalPath string
	SignalsPath string

	FeedURL string

	HTTPListen     string
	SignalWorkers  int
	ResyncInterval time.Duration
	Timezone       string

	DayGlobalCap      int
	DayPerStrategyCap int
	SwingGlobalCap    int
	SwingPerStrategy  int

	GapStopDistance float64

	LogLevel      string
	LogFormatJSON bool
	LogGroups     []string
}

func DefaultConfig() AppConfig {
	return AppConfig{
		StatePath:         "state.json",
		JournalPath:       "halyard.db",
		SignalsPath:       "signals.json",
		HTTPListen:        ":8080",
		SignalWorkers:     4,
		ResyncInterval:    30 * time.Second,
		Timezone:          "America/New_York",
		DayGlobalCap:      10,
		DayPerStrategyCap: 5,
		SwingGlobalCap:    3,
		SwingPerStrategy:  2,
		GapStopDistance:   1.00,
		LogLevel:          "info",
		LogFormatJSON:     false,
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("halyard", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.StatePath, "state-path", cfg.StatePath, "State document path (env: HALYARD_STATE_PATH)")
	fs.StringVar(&cfg.JournalPath, "journal-path", cfg.JournalPath, "Audit journal sqlite path (env: HALYARD_JOURNAL_PATH)")
	fs.StringVar(&cfg.SignalsPath, "signals-path", cfg.SignalsPath, "Signals file path (env: HALYARD_SIGNALS_PATH)")

	fs.StringVar(&cfg.FeedURL, "feed-url", cfg.FeedURL, "Websocket tick feed URL; empty disables the feed (env: HALYARD_FEED_URL)")

	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP listen address (env: HALYARD_HTTP_LISTEN)")
	fs.IntVar(&cfg.SignalWorkers, "signal-workers", cfg.SignalWorkers, "Number of signal-processing workers (env: HALYARD_SIGNAL_WORKERS)")
	fs.DurationVar(&cfg.ResyncInterval, "resync-interval", cfg.ResyncInterval, "Interval between signal resyncs (env: HALYARD_RESYNC_INTERVAL)")
	fs.StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "Exchange time zone (env: HALYARD_TIMEZONE)")

	fs.IntVar(&cfg.DayGlobalCap, "day-global-cap", cfg.DayGlobalCap, "Max concurrent day positions across strategies (env: HALYARD_DAY_GLOBAL_CAP)")
	fs.IntVar(&cfg.DayPerStrategyCap, "day-strategy-cap", cfg.DayPerStrategyCap, "Max day fills per strategy per day (env: HALYARD_DAY_STRATEGY_CAP)")
	fs.IntVar(&cfg.SwingGlobalCap, "swing-global-cap", cfg.SwingGlobalCap, "Max concurrent swing positions across strategies (env: HALYARD_SWING_GLOBAL_CAP)")
	fs.IntVar(&cfg.SwingPerStrategy, "swing-strategy-cap", cfg.SwingPerStrategy, "Max swing fills per strategy per week (env: HALYARD_SWING_STRATEGY_CAP)")

	fs.Float64Var(&cfg.GapStopDistance, "gap-stop-distance", cfg.GapStopDistance, "Stop distance in dollars for gap entries (env: HALYARD_GAP_STOP_DISTANCE)")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: HALYARD_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: HALYARD_LOG_JSON)")
	fs.StringSliceVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "Only log these component groups; empty logs all (env: HALYARD_LOG_GROUPS)")

	return fs
}

// ApplyEnvDefaults inspects flags that were left unset and pulls from env.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	setString := func(name, envKey string, target *string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			*target = v
		}
	}
	setInt := func(name, envKey string, target *int) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	setFloat := func(name, envKey string, target *float64) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				*target = parsed
			}
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*target = parsed
			}
		}
	}

	setString("state-path", "HALYARD_STATE_PATH", &cfg.StatePath)
	setString("journal-path", "HALYARD_JOURNAL_PATH", &cfg.JournalPath)
	setString("signals-path", "HALYARD_SIGNALS_PATH", &cfg.SignalsPath)

	setString("feed-url", "HALYARD_FEED_URL", &cfg.FeedURL)

	setString("http-listen", "HALYARD_HTTP_LISTEN", &cfg.HTTPListen)
	setInt("signal-workers", "HALYARD_SIGNAL_WORKERS", &cfg.SignalWorkers)
	setDuration("resync-interval", "HALYARD_RESYNC_INTERVAL", &cfg.ResyncInterval)
	setString("timezone", "HALYARD_TIMEZONE", &cfg.Timezone)

	setInt("day-global-cap", "HALYARD_DAY_GLOBAL_CAP", &cfg.DayGlobalCap)
	setInt("day-strategy-cap", "HALYARD_DAY_STRATEGY_CAP", &cfg.DayPerStrategyCap)
	setInt("swing-global-cap", "HALYARD_SWING_GLOBAL_CAP", &cfg.SwingGlobalCap)
	setInt("swing-strategy-cap", "HALYARD_SWING_STRATEGY_CAP", &cfg.SwingPerStrategy)

	setFloat("gap-stop-distance", "HALYARD_GAP_STOP_DISTANCE", &cfg.GapStopDistance)

	setString("log-level", "HALYARD_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "HALYARD_LOG_JSON", &cfg.LogFormatJSON)
	if _, ok := flagSet["log-groups"]; !ok {
		if v, okEnv := os.LookupEnv("HALYARD_LOG_GROUPS"); okEnv && v != "" {
			cfg.LogGroups = strings.Split(v, ",")
		}
	}

	return nil
}

func ValidateConfig(cfg AppConfig) error {
	if cfg.StatePath == "" {
		return fmt.Errorf("state-path must not be empty")
	}
	if cfg.JournalPath == "" {
		return fmt.Errorf("journal-path must not be empty")
	}
	if cfg.SignalWorkers < 1 {
		return fmt.Errorf("signal-workers must be at least 1, got %d", cfg.SignalWorkers)
	}
	if cfg.DayGlobalCap < 1 || cfg.DayPerStrategyCap < 1 || cfg.SwingGlobalCap < 1 || cfg.SwingPerStrategy < 1 {
		return fmt.Errorf("capacity caps must all be at least 1")
	}
	if cfg.GapStopDistance <= 0 {
		return fmt.Errorf("gap-stop-distance must be positive, got %v", cfg.GapStopDistance)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	return nil
}

func GetLogHandler(cfg AppConfig) slog.Handler {
	var level slog.Level
	if cfg.LogLevel == "" {
		level = slog.LevelInfo
	} else if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
		log.Printf("unknown log level %q, defaulting to info", cfg.LogLevel)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	return hlog.NewGroupFilterHandler(handler, cfg.LogGroups)
}
