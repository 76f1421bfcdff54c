// Package observability holds the process-wide CLI logger.
package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by command handlers. It is a no-op logger
// until InitCLILogger is called.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for the named binary.
//
// Console output goes to stderr so that stdout stays usable for command
// output (status tables, JSON). Debug mode lowers the level to debug and
// adds caller information.
func InitCLILogger(name string, debug bool) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		cfg.DisableCaller = true
	}

	logger, err := cfg.Build()
	if err != nil {
		CLILogger = zap.NewNop()
		return
	}
	CLILogger = logger.Named(name)
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = CLILogger.Sync()
}
