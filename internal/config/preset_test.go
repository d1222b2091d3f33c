package config

import (
	"strings"
	"testing"
)

func TestPresetFileName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		slot int
		want string
	}{
		{0, "config.yaml"},
		{1, "config-1.yaml"},
		{9, "config-9.yaml"},
		{-1, ""},
		{10, ""},
	}
	for _, tc := range cases {
		if got := presetFileName(tc.slot); got != tc.want {
			t.Errorf("presetFileName(%d): want %q, got %q", tc.slot, tc.want, got)
		}
	}
}

func TestPresetPathRange(t *testing.T) {
	t.Parallel()
	if _, err := PresetPath(10); err == nil {
		t.Error("expected range error for slot 10, got nil")
	}
	path, err := PresetPath(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(path, "config-3.yaml") {
		t.Errorf("path should end with config-3.yaml, got %q", path)
	}
	if !strings.Contains(path, appDirName) {
		t.Errorf("path should contain the app dir %q, got %q", appDirName, path)
	}
}
