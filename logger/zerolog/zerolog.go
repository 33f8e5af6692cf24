// Package zerolog adapts rs/zerolog to the engine's Logger interface
// with a colored console writer for interactive runs.
package zerolog

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/goterm/term"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Column widths of the console layout
const (
	messageWidth = 72
	fileWidth    = 18
	lineDigits   = 4
)

// New builds a console logger at the given level and wraps it in the
// engine adapter. With jsonFormat the raw zerolog JSON output is kept,
// which suits log collectors better than the console layout.
func New(level, timeLayout string, colored, jsonFormat bool) (*Adapter, error) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zerolog.SetGlobalLevel(parsed)
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	root := zerolog.New(consoleWriter(timeLayout, colored, jsonFormat)).
		Level(parsed).
		With().
		Timestamp().
		CallerWithSkipFrameCount(3).
		Logger()

	return NewAdapter(&root), nil
}

// consoleWriter lays out one record per line: stamp, level badge,
// padded message, caller. jsonFormat keeps zerolog's defaults.
func consoleWriter(timeLayout string, colored, jsonFormat bool) zerolog.ConsoleWriter {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		NoColor:    !colored,
		TimeFormat: timeLayout,
	}
	if jsonFormat {
		return writer
	}

	writer.FormatTimestamp = func(i interface{}) string { return stamp(i, timeLayout) }
	writer.FormatLevel = badge
	writer.FormatMessage = message
	writer.FormatCaller = caller
	return writer
}

var levelBadges = map[string]string{
	zerolog.LevelDebugValue: term.Cyanf("[DBG]"),
	zerolog.LevelInfoValue:  term.Greenf("[INF]"),
	zerolog.LevelWarnValue:  term.Yellowf("[WRN]"),
	zerolog.LevelErrorValue: term.Redf("[ERR]"),
	zerolog.LevelFatalValue: term.Redf("[FTL]"),
}

func badge(i interface{}) string {
	level, ok := i.(string)
	if !ok {
		return term.Whitef("[???]")
	}
	if b, found := levelBadges[level]; found {
		return b
	}
	return term.Whitef("[%s]", strings.ToUpper(level))
}

func message(i interface{}) string {
	msg, _ := i.(string)
	if msg == "" {
		return ">"
	}
	return term.Whitef("> %-*.*s", messageWidth, messageWidth, msg)
}

func caller(i interface{}) string {
	fname, _ := i.(string)
	if fname == "" {
		return ""
	}

	file, line, found := strings.Cut(filepath.Base(fname), ":")
	if !found {
		return filepath.Base(fname)
	}
	if len(line) > lineDigits {
		line = line[len(line)-lineDigits:]
	}
	return term.Yellowf("[%-*.*s:%*s]", fileWidth, fileWidth, file, lineDigits, line)
}

// stamp re-renders the RFC3339 timestamp zerolog hands over into the
// configured layout
func stamp(i interface{}, timeLayout string) string {
	raw, ok := i.(string)
	if !ok {
		return term.Cyanf("[%v]", i)
	}
	if ts, err := time.ParseInLocation(time.RFC3339, raw, time.Local); err == nil {
		raw = ts.In(time.Local).Format(timeLayout)
	}
	return term.Cyanf("[%s]", raw)
}
