// Package logging builds the zap loggers used by the command line tools and
// adapts them to the flasher's Logger interface.
package logging

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel maps debug, info, warn and error to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// New returns a logger writing to out. format is text or json.
func New(level, format string, out io.Writer) (*zap.Logger, error) {
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	logConfig := zap.NewDevelopmentEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var logEncoder zapcore.Encoder
	switch strings.ToLower(format) {
	case "", FormatText:
		logEncoder = zapcore.NewConsoleEncoder(logConfig)
	case FormatJSON:
		logConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		logEncoder = zapcore.NewJSONEncoder(logConfig)
	default:
		return nil, fmt.Errorf("unknown log format %q (want %s or %s)", format, FormatText, FormatJSON)
	}

	logCore := zapcore.NewCore(logEncoder, zapcore.Lock(zapcore.AddSync(out)), zapLevel)
	return zap.New(logCore), nil
}

// Adapter implements flasher.Logger on top of zap.
type Adapter struct {
	sugar *zap.SugaredLogger
}

// NewAdapter wraps logger.
//
// Example:
//
//	logger, _ := logging.New("info", "text", os.Stderr)
//	f := flasher.New(client, flasher.WithLogger(logging.NewAdapter(logger)))
func NewAdapter(logger *zap.Logger) *Adapter {
	return &Adapter{sugar: logger.Sugar()}
}

func (a *Adapter) Debug(msg string, keysAndValues ...interface{}) {
	a.sugar.Debugw(msg, keysAndValues...)
}

func (a *Adapter) Info(msg string, keysAndValues ...interface{}) {
	a.sugar.Infow(msg, keysAndValues...)
}

func (a *Adapter) Error(msg string, keysAndValues ...interface{}) {
	a.sugar.Errorw(msg, keysAndValues...)
}
