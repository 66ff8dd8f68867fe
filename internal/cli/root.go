// Package cli implements the hybrid-memory CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rcliao/hybrid-memory/internal/config"
	"github.com/rcliao/hybrid-memory/internal/memory"
	"github.com/rcliao/hybrid-memory/internal/store"
)

var (
	configPath string
	dbPath     string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "hybrid-memory",
	Short: "Hybrid episodic and semantic memory for agents",
	Long: "Ingest events into a bounded episodic log and a similarity index, then retrieve " +
		"a token-budgeted context from both. State is journaled to SQLite between runs.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $HM_CONFIG or hybrid-memory.yaml)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Journal database path (overrides journal.path)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("HM_CONFIG"); env != "" {
		return env
	}
	return "hybrid-memory.yaml"
}

func loadConfig() (*config.Config, []string, error) {
	l := config.NewLoader().WithConfigPath(getConfigPath())
	cfg, err := l.Load()
	if err != nil {
		return nil, nil, err
	}
	if dbPath != "" {
		cfg.Journal.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, l.Ignored(), nil
}

// initLogger writes to stderr so stdout stays machine-readable.
func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "json" {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format != "json",
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "json" {
		zapConfig.Encoding = "json"
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

// setup loads the configuration and builds the logger.
func setup() (*config.Config, *zap.Logger) {
	cfg, ignored, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	logger := initLogger(cfg.Log)
	for _, key := range ignored {
		logger.Warn("ignoring invalid JSON in environment", zap.String("var", key))
	}
	return cfg, logger
}

// openMemory builds and restores the engine. Callers must Close it.
func openMemory(cmd *cobra.Command) (*memory.Memory, *zap.Logger) {
	cfg, logger := setup()
	m, err := memory.Open(cmd.Context(), cfg, logger, nil)
	if err != nil {
		exitErr("open memory", err)
	}
	return m, logger
}

// openJournal opens the SQLite journal directly, for commands that do not need
// the in-memory stores.
func openJournal() (*store.SQLiteStore, *config.Config) {
	cfg, _ := setup()
	if cfg.Journal.Path == "" {
		exitErr("open journal", fmt.Errorf("journal.path is not configured"))
	}
	s, err := store.NewSQLiteStore(cfg.Journal.Path)
	if err != nil {
		exitErr("open journal", err)
	}
	return s, cfg
}

// readContent returns the positional args joined, or stdin when it is piped.
func readContent(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if stat != nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		return string(b)
	}
	return ""
}

// parseTags turns key=value pairs into a tag map. Numbers and booleans keep
// their type so filters compare them as such.
func parseTags(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("tag %q: expected key=value", p)
		}
		tags[k] = parseScalar(strings.TrimSpace(v))
	}
	return tags, nil
}

func parseScalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
