package settings

import "errors"

// Sentinel errors for credential validation and lookup.
var (
	// ErrIncompleteCredentials is returned when a parameter set is
	// missing its certificate or private key.
	ErrIncompleteCredentials = errors.New("incomplete credentials: certificate and private key are required")
	// ErrNotProvisioned is returned when no connection parameters have
	// been stored yet.
	ErrNotProvisioned = errors.New("device is not provisioned")
)

// ConnectionParameters are the device-specific credentials used for
// the persistent hub session. Absent until first provisioning.
type ConnectionParameters struct {
	HostName    string
	DeviceID    string
	Certificate string
	PrivateKey  string
	RootCA      string
}

// Complete reports whether both certificate and private key are present.
func (p *ConnectionParameters) Complete() bool {
	return p != nil && p.Certificate != "" && p.PrivateKey != ""
}

// ProvisioningParameters are the long-lived claim credentials used only
// to bootstrap issuance of ConnectionParameters. Never deleted
// automatically.
type ProvisioningParameters struct {
	HostName    string
	ClientID    string
	Certificate string
	PrivateKey  string
	RootCA      string
}

// Complete reports whether both certificate and private key are present.
func (p *ProvisioningParameters) Complete() bool {
	return p != nil && p.Certificate != "" && p.PrivateKey != ""
}

// settingsDoc is the on-disk settings document. PEM material is always
// kept in separate files; the document holds only paths.
type settingsDoc struct {
	Provisioning provisioningSection `json:"provisioning"`
	Connection   connectionSection   `json:"connection"`
}

type provisioningSection struct {
	HostName            string `json:"hostName"`
	ClientID            string `json:"clientId"`
	CertificateFile     string `json:"certificateFile"`
	PrivateKeyFile      string `json:"privateKeyFile"`
	RootCertificateFile string `json:"rootCertificateFile"`
}

type connectionSection struct {
	HostName            string `json:"hostName"`
	DeviceID            string `json:"deviceId"`
	CertificateFile     string `json:"certificateFile"`
	PrivateKeyFile      string `json:"privateKeyFile"`
	RootCertificateFile string `json:"rootCertificateFile"`
}
