package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
)

// setupLogging installs a charmbracelet handler as the slog default. Text is
// used on a terminal and JSON otherwise, unless format says which.
func setupLogging(level, format string, debug bool) *slog.Logger {
	l := slog.New(newHandler(os.Stderr, level, format, debug, isTerminal(os.Stderr)))
	slog.SetDefault(l)
	return l
}

func newHandler(w io.Writer, level, format string, debug, tty bool) *log.Logger {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = log.InfoLevel
	}
	if debug {
		lvl = log.DebugLevel
	}

	formatter := log.TextFormatter
	switch strings.ToLower(format) {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	case "text":
	default:
		if !tty {
			formatter = log.JSONFormatter
		}
	}

	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
