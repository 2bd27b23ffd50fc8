// Package log builds the zap loggers used by the node and holds the shared
// logging helpers.
package log

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// EncodingConsole is the human readable log encoding.
	EncodingConsole = "console"
	// EncodingJSON is the structured log encoding.
	EncodingJSON = "json"
)

// where logs go by default.
var logWriter io.Writer = os.Stdout

// Config is the logging configuration.
type Config struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
	// Levels overrides the level of the named loggers.
	Levels map[string]string `mapstructure:"levels"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:    zapcore.InfoLevel.String(),
		Encoding: EncodingConsole,
	}
}

func newEncoder(encoding string) (zapcore.Encoder, error) {
	switch encoding {
	case EncodingConsole, "":
		return zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), nil
	case EncodingJSON:
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	default:
		return nil, fmt.Errorf("unknown log encoding %q", encoding)
	}
}

// Logger is a root logger along with the levels of its named children.
type Logger struct {
	*zap.Logger
	cfg    Config
	levels map[string]zap.AtomicLevel
}

// New creates the root logger writing to stdout.
func New(name string, cfg Config) (*Logger, error) {
	return newLogger(logWriter, name, cfg)
}

func newLogger(w io.Writer, name string, cfg Config) (*Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	encoder, err := newEncoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]zap.AtomicLevel, len(cfg.Levels))
	for module, lvl := range cfg.Levels {
		if levels[module], err = zap.ParseAtomicLevel(lvl); err != nil {
			return nil, fmt.Errorf("parse log level for %s: %w", module, err)
		}
	}
	// the core accepts everything enabled for any named logger, the root
	// level is applied in Named
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zapcore.DebugLevel)
	l := &Logger{
		Logger: zap.New(core).Named(name),
		cfg:    cfg,
		levels: levels,
	}
	l.levels[""] = level
	l.Logger = l.Logger.WithOptions(withLevel(level))
	return l, nil
}

// Named returns a child logger with its level taken from the configuration,
// falling back to the root level.
func (l *Logger) Named(name string) *zap.Logger {
	lvl, found := l.levels[name]
	if !found {
		lvl = l.levels[""]
	}
	return l.Logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return &coreWithLevel{Core: unwrap(c), lvl: lvl}
	})).Named(name)
}

func withLevel(lvl zap.AtomicLevel) zap.Option {
	return zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return &coreWithLevel{Core: unwrap(c), lvl: lvl}
	})
}

func unwrap(c zapcore.Core) zapcore.Core {
	if cl, ok := c.(*coreWithLevel); ok {
		return cl.Core
	}
	return c
}

type coreWithLevel struct {
	zapcore.Core
	lvl zap.AtomicLevel
}

func (c *coreWithLevel) Enabled(level zapcore.Level) bool {
	return c.lvl.Enabled(level)
}

func (c *coreWithLevel) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.lvl.Enabled(e.Level) {
		return ce
	}
	return ce.AddCore(e, c)
}

func (c *coreWithLevel) With(fields []zapcore.Field) zapcore.Core {
	return &coreWithLevel{Core: c.Core.With(fields), lvl: c.lvl}
}

// SetLevel changes the level of the root logger and of the children which
// don't have their own level.
func (l *Logger) SetLevel(lvl zapcore.Level) {
	l.levels[""].SetLevel(lvl)
}
