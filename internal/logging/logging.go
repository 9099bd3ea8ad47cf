// Package logging configures the process-wide slog logger for fabric binaries.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the default slog logger and returns args with the logging
// flags stripped so downstream flag parsers don't choke on them.
//
// The level comes from FABRIC_LOG_LEVEL, overridden by a -log-level or
// --log-level flag. FABRIC_LOG_FORMAT=json switches the stderr handler to
// JSON for log collectors; anything else keeps the text handler.
func Init(args []string) []string {
	levelStr := os.Getenv("FABRIC_LOG_LEVEL")

	var remaining []string
	for i := 0; i < len(args); i++ {
		if v, ok := flagValue(args, &i, "log-level"); ok {
			if v != "" {
				levelStr = v
			}
			continue
		}
		remaining = append(remaining, args[i])
	}

	opts := &slog.HandlerOptions{Level: parseLevel(levelStr)}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("FABRIC_LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	return remaining
}

// flagValue matches -name/--name at position *i in both the "=value" and
// separate-argument forms, advancing *i past a consumed value.
func flagValue(args []string, i *int, name string) (string, bool) {
	raw := args[*i]
	if !strings.HasPrefix(raw, "-") {
		return "", false
	}
	arg := strings.TrimPrefix(strings.TrimPrefix(raw, "-"), "-")
	if arg == name {
		if *i+1 < len(args) {
			*i++
			return args[*i], true
		}
		return "", true
	}
	if strings.HasPrefix(arg, name+"=") {
		return strings.TrimPrefix(arg, name+"="), true
	}
	return "", false
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default: // "info" or anything unrecognised
		return slog.LevelInfo
	}
}
