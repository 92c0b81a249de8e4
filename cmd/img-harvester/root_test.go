package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewRootCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()

	if cmd.Use != "img-harvester" {
		t.Errorf("expected use 'img-harvester', got %q", cmd.Use)
	}
	if cmd.Short == "" || cmd.Long == "" {
		t.Error("expected short and long descriptions")
	}
	if cmd.Version == "" {
		t.Error("expected non-empty version")
	}

	for _, name := range []string{"config", "loglevel"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected persistent flag %q", name)
		}
	}
	if f := cmd.PersistentFlags().Lookup("loglevel"); f != nil && f.DefValue != "info" {
		t.Errorf("expected loglevel default 'info', got %q", f.DefValue)
	}

	want := map[string]bool{"harvest": false, "validate": false, "version": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected subcommand %q", name)
		}
	}
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"crawl"})

	if err := cmd.Execute(); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestSetupLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"warn", logrus.WarnLevel},
		{"ERROR", logrus.ErrorLevel},
		{"bogus", logrus.InfoLevel},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		log := setupLogger(tt.level, &buf)
		if log.GetLevel() != tt.want {
			t.Errorf("setupLogger(%q) level = %v, want %v", tt.level, log.GetLevel(), tt.want)
		}
		if tt.level == "bogus" && !strings.Contains(buf.String(), "Invalid log level") {
			t.Errorf("expected a warning for an invalid level, got %q", buf.String())
		}
	}
}
