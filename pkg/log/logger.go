package log

import (
	"log/slog"
	"time"
)

// Level orders log severities; a logger drops entries below its level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// Fields holds the structured context of an entry, keyed by field name.
type Fields map[string]interface{}

// Keys shared by every scavenger component.
const (
	ComponentKey  = "component"
	ScavengeIDKey = "scavenge_id"
)

// Entry is what formatters and outputs receive for one log call.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
	Caller    string
	Error     error
}

// Logger is the logging facade passed through the scavenger. Derived loggers
// returned by With, WithError and WithComponent carry their parent's fields.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// Fatal logs, closes every output and exits the process.
	Fatal(msg string, fields ...Field)

	With(fields ...Field) Logger
	WithError(err error) Logger
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

type Output interface {
	Write(entry *Entry, formattedEntry []byte) error
	Close() error
}

type LoggerOption func(*BaseLogger)

// BaseLogger routes entries through slog into one formatter and its outputs.
type BaseLogger struct {
	level      Level
	fields     Fields
	formatter  Formatter
	outputs    []Output
	slogLogger *slog.Logger
}

// NewLogger builds an INFO-level JSON logger writing to the console unless
// options say otherwise.
func NewLogger(options ...LoggerOption) Logger {
	l := &BaseLogger{
		level:     InfoLevel,
		fields:    Fields{},
		formatter: &JSONFormatter{},
	}
	for _, option := range options {
		option(l)
	}
	if len(l.outputs) == 0 {
		l.outputs = []Output{&ConsoleOutput{}}
	}
	l.slogLogger = slog.New(newBridgeHandler(l))
	return l
}

func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level = level }
}

func WithFormatter(formatter Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = formatter }
}

// WithOutput adds an output; it may be given more than once.
func WithOutput(output Output) LoggerOption {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, output) }
}
