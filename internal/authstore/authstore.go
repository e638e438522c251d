// Package authstore manages per-tenant credential directories under the auth
// root. Credential blobs are opaque to the gateway; the presence of a tenant
// directory is the signal for session restoration at startup.
package authstore

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/msgbridge/msgbridge/internal/json"
)

// ManifestFileName tracks per-tenant session metadata inside the auth root.
const ManifestFileName = ".msgbridge-manifest.json"

// Store is a file-backed credential store rooted at one directory.
type Store struct {
	root string
}

// New creates (if needed) and opens the auth root.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// Root returns the auth root path.
func (s *Store) Root() string { return s.root }

// Dir returns the credential directory for a tenant, without creating it.
func (s *Store) Dir(tenantID string) string {
	return filepath.Join(s.root, tenantID)
}

// HasCredentials reports whether the tenant has a credential directory.
func (s *Store) HasCredentials(tenantID string) bool {
	info, err := os.Stat(s.Dir(tenantID))
	return err == nil && info.IsDir()
}

// List enumerates tenants with persisted credentials, sorted for determinism.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var tenants []string
	for _, entry := range entries {
		if entry.IsDir() {
			tenants = append(tenants, entry.Name())
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Save writes a credential blob atomically via temp file + rename.
func (s *Store) Save(tenantID, name string, data []byte) error {
	dir := s.Dir(tenantID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads a credential blob.
func (s *Store) Load(tenantID, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.Dir(tenantID), name))
}

// Purge removes the tenant's credential directory entirely. Called when the
// platform reports logout or a bad session.
func (s *Store) Purge(tenantID string) error {
	if tenantID == "" {
		return nil
	}
	return os.RemoveAll(s.Dir(tenantID))
}

// Manifest records last-known session metadata per tenant. Purely
// informational; a corrupt manifest is replaced, never fatal.
type Manifest struct {
	UpdatedAt time.Time               `json:"updated_at"`
	Tenants   map[string]TenantEntry `json:"tenants"`
}

// TenantEntry is the per-tenant manifest record.
type TenantEntry struct {
	PhoneIdentity string    `json:"phone_identity,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// LoadManifest reads the manifest, returning an empty one when missing or corrupt.
func (s *Store) LoadManifest() *Manifest {
	empty := &Manifest{Tenants: make(map[string]TenantEntry)}
	data, err := os.ReadFile(filepath.Join(s.root, ManifestFileName))
	if err != nil {
		return empty
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return empty
	}
	if m.Tenants == nil {
		m.Tenants = make(map[string]TenantEntry)
	}
	return &m
}

// SaveManifest persists the manifest atomically.
func (s *Store) SaveManifest(m *Manifest) error {
	if m == nil {
		return nil
	}
	m.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.root, ManifestFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// MarkConnected records a successful connect in the manifest.
func (s *Store) MarkConnected(tenantID, phoneIdentity string) {
	m := s.LoadManifest()
	m.Tenants[tenantID] = TenantEntry{PhoneIdentity: phoneIdentity, ConnectedAt: time.Now()}
	_ = s.SaveManifest(m)
}

// ForgetTenant removes a tenant from the manifest.
func (s *Store) ForgetTenant(tenantID string) {
	m := s.LoadManifest()
	if _, ok := m.Tenants[tenantID]; !ok {
		return
	}
	delete(m.Tenants, tenantID)
	_ = s.SaveManifest(m)
}
