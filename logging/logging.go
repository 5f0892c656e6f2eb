// Package logging builds the process logger from the logging section of the config.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fleetrpc/config"
)

// New logs to stderr.
func New(cfg *config.Logging) (*zap.Logger, error) {
	return build(cfg, os.Stderr, isatty.IsTerminal(os.Stderr.Fd()))
}

func build(cfg *config.Logging, w io.Writer, tty bool) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, errors.Wrapf(err, "logging: level %q", cfg.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch format := cfg.Format; {
	case format == "json", format == "auto" && !tty:
		enc = zapcore.NewJSONEncoder(encCfg)
	case format == "console", format == "auto":
		if tty {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, errors.Errorf("logging: unknown format %q", cfg.Format)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
