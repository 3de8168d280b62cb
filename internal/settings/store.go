package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const settingsFile = "settings.json"

// Fixed file names for PEM material inside the store directory.
const (
	provCertFile = "provisioning.crt"
	provKeyFile  = "provisioning.key"
	provCAFile   = "provisioning-ca.crt"
	connCertFile = "connection.crt"
	connKeyFile  = "connection.key"
	connCAFile   = "connection-ca.crt"
)

// Store persists device credentials and connection metadata. It is the
// single writer of the settings document and the certificate files; all
// readers receive copies.
type Store struct {
	dir    string
	logger *slog.Logger

	mu  sync.Mutex
	doc settingsDoc
}

// NewStore opens the settings directory, creating it if needed, and
// loads the settings document when present.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	s := &Store{dir: dir, logger: logger.With("component", "settings")}

	data, err := os.ReadFile(filepath.Join(dir, settingsFile))
	switch {
	case os.IsNotExist(err):
		// First boot, empty document.
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	default:
		if err := json.Unmarshal(data, &s.doc); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
	}
	return s, nil
}

// EnsureIdentity enforces boot-time consistency between the hardware
// UUID and stored credentials. A stored connection deviceId that
// diverges from the hardware UUID means the storage was moved between
// boards; the connection parameters are deleted to force
// re-provisioning, and the provisioning client id is pinned to the
// hardware UUID.
func (s *Store) EnsureIdentity(uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if s.doc.Connection.DeviceID != "" && s.doc.Connection.DeviceID != uuid {
		s.logger.Warn("stored device id does not match hardware UUID, clearing connection parameters",
			"stored", s.doc.Connection.DeviceID, "uuid", uuid)
		if err := s.clearConnectionLocked(); err != nil {
			return err
		}
		s.doc.Provisioning.ClientID = uuid
		changed = true
	}
	if s.doc.Provisioning.ClientID == "" {
		s.doc.Provisioning.ClientID = uuid
		changed = true
	}
	if !changed {
		return nil
	}
	return s.saveLocked()
}

// HasConnectionParameters reports whether a complete set of connection
// credentials is stored.
func (s *Store) HasConnectionParameters() bool {
	p, err := s.ConnectionParameters()
	return err == nil && p.Complete() && p.DeviceID != ""
}

// ConnectionParameters loads the stored connection parameters with PEM
// material resolved from disk. Returns ErrNotProvisioned when no
// connection section exists.
func (s *Store) ConnectionParameters() (*ConnectionParameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.Connection.DeviceID == "" && s.doc.Connection.CertificateFile == "" {
		return nil, ErrNotProvisioned
	}
	return &ConnectionParameters{
		HostName:    s.doc.Connection.HostName,
		DeviceID:    s.doc.Connection.DeviceID,
		Certificate: s.readPEM(s.doc.Connection.CertificateFile),
		PrivateKey:  s.readPEM(s.doc.Connection.PrivateKeyFile),
		RootCA:      s.readPEM(s.doc.Connection.RootCertificateFile),
	}, nil
}

// SetConnectionParameters validates and persists a full set of
// connection credentials. Incomplete credentials are rejected without
// mutating the stored state.
func (s *Store) SetConnectionParameters(p *ConnectionParameters) error {
	if !p.Complete() {
		return ErrIncompleteCredentials
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writePEMFiles(map[string]string{
		connCertFile: p.Certificate,
		connKeyFile:  p.PrivateKey,
		connCAFile:   p.RootCA,
	}); err != nil {
		return err
	}
	s.doc.Connection = connectionSection{
		HostName:            p.HostName,
		DeviceID:            p.DeviceID,
		CertificateFile:     filepath.Join(s.dir, connCertFile),
		PrivateKeyFile:      filepath.Join(s.dir, connKeyFile),
		RootCertificateFile: filepath.Join(s.dir, connCAFile),
	}
	return s.saveLocked()
}

// ClearConnectionParameters deletes the stored connection credentials,
// forcing re-provisioning on the next boot.
func (s *Store) ClearConnectionParameters() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.clearConnectionLocked(); err != nil {
		return err
	}
	return s.saveLocked()
}

// ProvisioningParameters loads the stored claim credentials with PEM
// material resolved from disk.
func (s *Store) ProvisioningParameters() (*ProvisioningParameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &ProvisioningParameters{
		HostName:    s.doc.Provisioning.HostName,
		ClientID:    s.doc.Provisioning.ClientID,
		Certificate: s.readPEM(s.doc.Provisioning.CertificateFile),
		PrivateKey:  s.readPEM(s.doc.Provisioning.PrivateKeyFile),
		RootCA:      s.readPEM(s.doc.Provisioning.RootCertificateFile),
	}, nil
}

// SetProvisioningParameters validates and persists a full set of claim
// credentials.
func (s *Store) SetProvisioningParameters(p *ProvisioningParameters) error {
	if !p.Complete() {
		return ErrIncompleteCredentials
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writePEMFiles(map[string]string{
		provCertFile: p.Certificate,
		provKeyFile:  p.PrivateKey,
		provCAFile:   p.RootCA,
	}); err != nil {
		return err
	}
	s.doc.Provisioning = provisioningSection{
		HostName:            p.HostName,
		ClientID:            p.ClientID,
		CertificateFile:     filepath.Join(s.dir, provCertFile),
		PrivateKeyFile:      filepath.Join(s.dir, provKeyFile),
		RootCertificateFile: filepath.Join(s.dir, provCAFile),
	}
	return s.saveLocked()
}

func (s *Store) clearConnectionLocked() error {
	// Truncate rather than remove: downstream checks expect the files
	// to exist, empty means "not populated".
	if err := s.writePEMFiles(map[string]string{
		connCertFile: "",
		connKeyFile:  "",
		connCAFile:   "",
	}); err != nil {
		return err
	}
	s.doc.Connection = connectionSection{}
	return nil
}

// writePEMFiles writes PEM material to separate files. An absent value
// yields an empty file, not a missing file.
func (s *Store) writePEMFiles(files map[string]string) error {
	for name, content := range files {
		path := filepath.Join(s.dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) readPEM(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	path := filepath.Join(s.dir, settingsFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
