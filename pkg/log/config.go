package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Config is the declarative form of a logger.
type Config struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL"`
	Format string `yaml:"format" json:"format" env:"FORMAT"`
	// Output is "stderr", "stdout", "null" or a file path.
	Output string `yaml:"output" json:"output" env:"OUTPUT"`
}

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg Config) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format := FormatText
	switch strings.ToLower(cfg.Format) {
	case "", "text", "console":
	case "json":
		format = FormatJSON
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	case "null":
		out = io.Discard
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		out = f
	}
	return NewLogger(WithLevel(level), WithFormat(format), WithOutput(out)), nil
}

// RedirectStdLog routes the standard library logger through l at info level.
// The returned func restores the previous behaviour.
func RedirectStdLog(l Logger) func() {
	return zap.RedirectStdLog(Zap(l))
}
