// Package logging builds the single *zap.Logger threaded through every
// component of a btrcp run, following the same construction the teacher
// (arkeep-io-arkeep/agent) uses in its main package.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger. Quiet suppresses the console core; LogFile,
// when non-empty, adds a second core writing to that file. Both may be
// active at once, mirroring the engine CLI's --quiet and --log-file flags
// (spec.md §6) which are independent controls.
type Options struct {
	Quiet    bool
	LogFile  string
	Debug    bool
}

// Build constructs a *zap.Logger per Options. Callers must call Sync()
// before process exit to flush buffered log lines — init/teardown must be
// explicit, never implied by process exit (spec.md §9).
func Build(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	var cores []zapcore.Core

	if !opts.Quiet {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level))
	}

	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(f), level))
	}

	if len(cores) == 0 {
		// quiet and no log file: keep a no-op core so callers never hold a
		// nil logger.
		cores = append(cores, zapcore.NewNopCore())
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
