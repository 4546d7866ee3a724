package agent

import (
	"path/filepath"
	"testing"
)

func TestCounterStoreIncrementsMonotonically(t *testing.T) {
	s := NewMemoryCounterStore()
	var app [32]byte
	var kh [64]byte
	app[0] = 1

	for want := uint32(1); want <= 3; want++ {
		got, err := s.Next(app, kh)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
}

func TestCounterStoreIsPerKeyHandle(t *testing.T) {
	s := NewMemoryCounterStore()
	var app [32]byte
	var kh1, kh2 [64]byte
	kh2[0] = 0xff

	if v, err := s.Next(app, kh1); err != nil || v != 1 {
		t.Fatalf("Next(kh1) = %d, %v", v, err)
	}
	if v, err := s.Next(app, kh2); err != nil || v != 1 {
		t.Fatalf("Next(kh2) = %d, %v, want a fresh counter starting at 1", v, err)
	}
	if v, err := s.Next(app, kh1); err != nil || v != 2 {
		t.Fatalf("Next(kh1) again = %d, %v", v, err)
	}
}

func TestCounterStorePersistsAcrossLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counters.yaml")

	s1, err := LoadCounterStore(path)
	if err != nil {
		t.Fatalf("LoadCounterStore: %v", err)
	}
	var app [32]byte
	var kh [64]byte
	app[1] = 9
	for i := 0; i < 3; i++ {
		if _, err := s1.Next(app, kh); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	s2, err := LoadCounterStore(path)
	if err != nil {
		t.Fatalf("LoadCounterStore (reload): %v", err)
	}
	got, err := s2.Next(app, kh)
	if err != nil {
		t.Fatalf("Next (reload): %v", err)
	}
	if got != 4 {
		t.Fatalf("Next() after reload = %d, want 4", got)
	}
}

func TestLoadCounterStoreToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.yaml")

	s, err := LoadCounterStore(path)
	if err != nil {
		t.Fatalf("LoadCounterStore: %v", err)
	}
	var app [32]byte
	var kh [64]byte
	if v, err := s.Next(app, kh); err != nil || v != 1 {
		t.Fatalf("Next() = %d, %v, want 1, nil", v, err)
	}
}
