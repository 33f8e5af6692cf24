package zerolog

import (
	"fmt"

	"github.com/driftline/perpsweep/logger"
	"github.com/rs/zerolog"
)

// Adapter exposes a zerolog logger through the engine's Logger
// interface. Contextual variants copy the underlying logger, so every
// derived Adapter writes independently.
type Adapter struct {
	zl zerolog.Logger
}

func NewAdapter(l *zerolog.Logger) *Adapter {
	return &Adapter{zl: *l}
}

func (a *Adapter) WithField(key string, value any) logger.Logger {
	return &Adapter{zl: a.zl.With().Interface(key, value).Logger()}
}

func (a *Adapter) WithFields(fields map[string]any) logger.Logger {
	return &Adapter{zl: a.zl.With().Fields(fields).Logger()}
}

func (a *Adapter) WithError(err error) logger.Logger {
	return &Adapter{zl: a.zl.With().Err(err).Logger()}
}

func (a *Adapter) Debug(args ...any) { a.zl.Debug().Msg(sprint(args)) }
func (a *Adapter) Info(args ...any)  { a.zl.Info().Msg(sprint(args)) }
func (a *Adapter) Warn(args ...any)  { a.zl.Warn().Msg(sprint(args)) }
func (a *Adapter) Error(args ...any) { a.zl.Error().Msg(sprint(args)) }
func (a *Adapter) Fatal(args ...any) { a.zl.Fatal().Msg(sprint(args)) }

func (a *Adapter) Debugf(format string, args ...any) { a.zl.Debug().Msgf(format, args...) }
func (a *Adapter) Infof(format string, args ...any)  { a.zl.Info().Msgf(format, args...) }
func (a *Adapter) Warnf(format string, args ...any)  { a.zl.Warn().Msgf(format, args...) }
func (a *Adapter) Errorf(format string, args ...any) { a.zl.Error().Msgf(format, args...) }
func (a *Adapter) Fatalf(format string, args ...any) { a.zl.Fatal().Msgf(format, args...) }

// SetLevel moves the global zerolog threshold: level filtering is
// process wide, not per derived logger
func (a *Adapter) SetLevel(level logger.Level) {
	zerolog.SetGlobalLevel(zeroLevel(level))
}

func (a *Adapter) GetLevel() logger.Level {
	return engineLevel(a.zl.GetLevel())
}

func sprint(args []any) string {
	return fmt.Sprint(args...)
}

// zeroLevel and engineLevel translate between the two level scales.
// Trace and panic collapse onto their nearest engine level.
func zeroLevel(level logger.Level) zerolog.Level {
	switch level {
	case logger.Disabled:
		return zerolog.Disabled
	case logger.DebugLevel:
		return zerolog.DebugLevel
	case logger.WarnLevel:
		return zerolog.WarnLevel
	case logger.ErrorLevel:
		return zerolog.ErrorLevel
	case logger.FatalLevel:
		return zerolog.FatalLevel
	}
	return zerolog.InfoLevel
}

func engineLevel(level zerolog.Level) logger.Level {
	switch level {
	case zerolog.Disabled:
		return logger.Disabled
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return logger.DebugLevel
	case zerolog.WarnLevel:
		return logger.WarnLevel
	case zerolog.ErrorLevel:
		return logger.ErrorLevel
	case zerolog.PanicLevel, zerolog.FatalLevel:
		return logger.FatalLevel
	}
	return logger.InfoLevel
}
