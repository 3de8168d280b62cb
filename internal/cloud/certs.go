package cloud

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultCertPorts are the candidate ports of the setup-time
// provisioning cert service, tried in order.
var DefaultCertPorts = []int{3000, 8080, 80}

const (
	certPathCert = "/api/provisioning/certs/provisioning.crt"
	certPathKey  = "/api/provisioning/certs/provisioning.key"
	certPathCA   = "/api/provisioning/certs/ca.crt"
)

// FetchProvisioningCerts downloads the claim credentials from a
// co-located setup service, trying each candidate port until one
// responds. The CA file is optional; its absence is not an error.
func FetchProvisioningCerts(ctx context.Context, host string, ports []int, client *http.Client) (cert, key, ca string, err error) {
	if len(ports) == 0 {
		ports = DefaultCertPorts
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	var base string
	for _, port := range ports {
		candidate := fmt.Sprintf("http://%s:%d", host, port)
		if cert, err = fetchPEM(ctx, client, candidate+certPathCert); err == nil {
			base = candidate
			break
		}
	}
	if base == "" {
		return "", "", "", fmt.Errorf("no provisioning cert service on %s (ports %v): %w", host, ports, err)
	}

	if key, err = fetchPEM(ctx, client, base+certPathKey); err != nil {
		return "", "", "", err
	}
	ca, _ = fetchPEM(ctx, client, base+certPathCA)
	return cert, key, ca, nil
}

func fetchPEM(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return string(data), nil
}
