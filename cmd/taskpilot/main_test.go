package main

import (
	"strings"
	"testing"
)

func TestCommandsRegistered(t *testing.T) {
	for _, path := range [][]string{
		{"serve"}, {"worker"}, {"run-task"}, {"submit"},
		{"tasks", "list"}, {"tasks", "show"}, {"undo"},
		{"budget", "get"}, {"budget", "set"}, {"budget", "add"},
		{"queue", "recover"}, {"queue", "len"}, {"prompts", "list"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		if err != nil || len(rest) != 0 || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %q not registered (got %v, rest %v, err %v)", strings.Join(path, " "), cmd.Name(), rest, err)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"two\nlines", 20, "two lines"},
		{"a fairly long title", 10, "a fairl..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	if newLogger("debug", "json") == nil {
		t.Fatal("newLogger returned nil")
	}
	if newLogger("bogus", "text") == nil {
		t.Fatal("newLogger returned nil for an unknown level")
	}
}
