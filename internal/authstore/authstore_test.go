package authstore

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func TestSaveLoadPurge(t *testing.T) {
	s := newStore(t)

	if s.HasCredentials("t1") {
		t.Fatal("fresh store should have no credentials")
	}
	if err := s.Save("t1", "session.json", []byte(`{"k":"v"}`)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if !s.HasCredentials("t1") {
		t.Fatal("credentials should exist after Save")
	}

	data, err := s.Load("t1", "session.json")
	if err != nil || string(data) != `{"k":"v"}` {
		t.Fatalf("Load() = %q, %v", data, err)
	}

	if err := s.Purge("t1"); err != nil {
		t.Fatalf("Purge() error: %v", err)
	}
	if s.HasCredentials("t1") {
		t.Fatal("credentials should be gone after Purge")
	}
}

func TestSaveIsAtomic(t *testing.T) {
	s := newStore(t)
	if err := s.Save("t1", "session.json", []byte("data")); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	// No stray temp file left behind.
	if _, err := os.Stat(filepath.Join(s.Dir("t1"), "session.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file should not survive Save")
	}
}

func TestListSorted(t *testing.T) {
	s := newStore(t)
	for _, tenant := range []string{"zeta", "alpha", "mid"} {
		if err := s.Save(tenant, "session.json", []byte("x")); err != nil {
			t.Fatalf("Save() error: %v", err)
		}
	}
	tenants, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if !reflect.DeepEqual(tenants, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("List() = %v, want sorted", tenants)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	s := newStore(t)

	s.MarkConnected("t1", "+14155550000")
	m := s.LoadManifest()
	entry, ok := m.Tenants["t1"]
	if !ok || entry.PhoneIdentity != "+14155550000" {
		t.Fatalf("manifest entry missing: %+v", m)
	}

	s.ForgetTenant("t1")
	if _, ok := s.LoadManifest().Tenants["t1"]; ok {
		t.Error("tenant should be forgotten")
	}
}

func TestLoadManifestCorruptIsEmpty(t *testing.T) {
	s := newStore(t)
	os.WriteFile(filepath.Join(s.Root(), ManifestFileName), []byte("{not json"), 0o600)
	m := s.LoadManifest()
	if len(m.Tenants) != 0 {
		t.Errorf("corrupt manifest should load empty, got %+v", m)
	}
}
