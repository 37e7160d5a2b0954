package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// Config declares how a process logger is built.
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text|json
	// Outputs lists destinations: "console", "null", or "file:<path>".
	Outputs          []string `json:"outputs" yaml:"outputs"`
	RedactKeys       []string `json:"redactKeys" yaml:"redactKeys"`
	SampleInitial    int      `json:"sampleInitial" yaml:"sampleInitial"`
	SampleThereafter int      `json:"sampleThereafter" yaml:"sampleThereafter"`
}

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// ApplyConfig builds a Logger from cfg. A nil cfg yields an info-level text logger on stderr.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{}
	case "json":
		formatter = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}

	opts := []LoggerOption{WithLevel(level), WithFormatter(formatter)}
	for _, dest := range cfg.Outputs {
		switch {
		case dest == "console" || dest == "":
			opts = append(opts, WithOutput(NewConsoleOutput()))
		case dest == "null":
			opts = append(opts, WithOutput(NullOutput{}))
		case strings.HasPrefix(dest, "file:"):
			fo, err := NewFileOutput(strings.TrimPrefix(dest, "file:"))
			if err != nil {
				return nil, fmt.Errorf("log: open output: %w", err)
			}
			opts = append(opts, WithOutput(fo))
		default:
			return nil, fmt.Errorf("log: unknown output %q", dest)
		}
	}

	l := NewLogger(opts...).(*BaseLogger)
	h := newBridgeHandler(l).withRedactions(cfg.RedactKeys).withSampler(cfg.SampleInitial, cfg.SampleThereafter)
	l.slogLogger = slog.New(h)
	return l, nil
}
