package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"), "/data/vitalstore")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Path != "/data/vitalstore" {
		t.Errorf("expected default storage path, got %q", cfg.Storage.Path)
	}
	if cfg.Storage.ChunkDuration != defaultChunkDuration {
		t.Errorf("expected default chunk duration, got %q", cfg.Storage.ChunkDuration)
	}
	if cfg.API.Port != defaultAPIPort {
		t.Errorf("expected default API port, got %d", cfg.API.Port)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	want := &Config{
		Storage: StorageConfig{Path: "/data/chunks", ChunkDuration: "15m", MaxChunkSize: "64MB"},
		API:     APIConfig{Host: "0.0.0.0", Port: 9090},
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path, "/unused")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Storage.Path != want.Storage.Path || got.Storage.ChunkDuration != want.Storage.ChunkDuration {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got.Storage, want.Storage)
	}
	if got.API != want.API {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got.API, want.API)
	}
}

func TestLoadFillsMissingDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, &Config{Storage: StorageConfig{Path: "/data"}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path, "/unused")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Storage.ChunkDuration != defaultChunkDuration {
		t.Errorf("expected default chunk duration to be filled in, got %q", got.Storage.ChunkDuration)
	}
	if got.API.Host != defaultAPIHost || got.API.Port != defaultAPIPort {
		t.Errorf("expected default API host/port to be filled in, got %+v", got.API)
	}
}

func TestParseDurationValid(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"2d", 48 * time.Hour},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseDuration(tc.input)
			if err != nil {
				t.Fatalf("ParseDuration(%q): %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestParseDurationInvalid(t *testing.T) {
	tests := []string{"", "1", "-5m", "0h", "5x", "abc"}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			if _, err := ParseDuration(input); err == nil {
				t.Errorf("ParseDuration(%q) expected error, got nil", input)
			}
		})
	}
}

func TestParseBytesValid(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"100", 100},
		{"100B", 100},
		{"100b", 100},
		{"1KB", 1024},
		{"64MB", 64 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
		{" 100 MB ", 100 * 1024 * 1024},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseBytes(tc.input)
			if err != nil {
				t.Fatalf("ParseBytes(%q): %v", tc.input, err)
			}
			if got != tc.expected {
				t.Errorf("ParseBytes(%q) = %d, want %d", tc.input, got, tc.expected)
			}
		})
	}
}

func TestParseBytesInvalid(t *testing.T) {
	tests := []string{"", "abc", "-100"}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			if _, err := ParseBytes(input); err == nil {
				t.Errorf("ParseBytes(%q) expected error, got nil", input)
			}
		})
	}
}
