package admin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSettingsPersistPreservesOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("OTHER_KEY: keep-me\nMAX_ERRORS: 4\n"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := NewSettings(baseValues(), path, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.MaxErrors() != 4 {
		t.Fatalf("file overlay not applied: %d", s.MaxErrors())
	}
	if _, applied, _, err := s.Apply(map[string]any{"APP_NAME": "catalog"}); err != nil || applied != 1 {
		t.Fatalf("apply: %d %v", applied, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, want := range []string{"OTHER_KEY: keep-me", "MAX_ERRORS: 4", "APP_NAME: catalog"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("missing %q in %s", want, data)
		}
	}
}

func TestSettingsInvalidFileEntriesSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	os.WriteFile(path, []byte("MAX_ERRORS: -1\nLOG_LEVEL: debug\n"), 0o600)
	s, err := NewSettings(baseValues(), path, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.MaxErrors() != 3 || s.Snapshot().LogLevel != "debug" {
		t.Fatalf("unexpected values %+v", s.Snapshot())
	}
}

func TestSettingsOnChange(t *testing.T) {
	s, _ := NewSettings(baseValues(), "", nil)
	var got Values
	s.OnChange(func(v Values) { got = v })
	s.Apply(map[string]any{"ADMIN_LOCK_TIMEOUT_SECONDS": 120})
	if got.AdminLockTimeout != 2*time.Minute {
		t.Fatalf("hook not called with new values: %+v", got)
	}
}

func TestSettingsWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	os.WriteFile(path, []byte("MAX_ERRORS: 3\n"), 0o600)
	s, err := NewSettings(baseValues(), path, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	changed := make(chan Values, 4)
	s.OnChange(func(v Values) { changed <- v })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Watch(ctx); err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	if err := os.WriteFile(path, []byte("MAX_ERRORS: 9\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case v := <-changed:
			if v.MaxErrors == 9 {
				return
			}
		case <-deadline:
			t.Fatalf("reload not observed; max errors = %d", s.MaxErrors())
		}
	}
}
