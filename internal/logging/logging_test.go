package logging

import (
	"log/slog"
	"strings"
	"testing"
)

func TestInit_StripsLogLevelFlags(t *testing.T) {
	cases := []struct {
		args []string
		want []string
	}{
		{[]string{"-config", "x.yaml", "-log-level", "debug"}, []string{"-config", "x.yaml"}},
		{[]string{"--log-level=warn", "-config", "x.yaml"}, []string{"-config", "x.yaml"}},
		{[]string{"-log-level=error"}, nil},
		{[]string{"--log-level", "info"}, nil},
		{[]string{"-config", "x.yaml"}, []string{"-config", "x.yaml"}},
		{nil, nil},
	}
	for _, tc := range cases {
		got := Init(tc.args)
		if strings.Join(got, " ") != strings.Join(tc.want, " ") {
			t.Errorf("Init(%v) = %v, want %v", tc.args, got, tc.want)
		}
	}
}

func TestInit_FormatSelectsHandler(t *testing.T) {
	t.Setenv("FABRIC_LOG_FORMAT", "json")
	Init(nil)
	if _, ok := slog.Default().Handler().(*slog.JSONHandler); !ok {
		t.Errorf("handler = %T, want JSON with FABRIC_LOG_FORMAT=json", slog.Default().Handler())
	}

	t.Setenv("FABRIC_LOG_FORMAT", "")
	Init(nil)
	if _, ok := slog.Default().Handler().(*slog.TextHandler); !ok {
		t.Errorf("handler = %T, want text by default", slog.Default().Handler())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"WARN":     slog.LevelWarn,
		"warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		"":         slog.LevelInfo,
		"nonsense": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
