package netprov

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"edge-agent/internal/sysexec"
)

// AccessPointInfo is one scan result, deduplicated and sorted by the
// manager before it reaches callers.
type AccessPointInfo struct {
	SSID         string `json:"ssid"`
	Strength     int    `json:"strength"`
	FrequencyMHz int    `json:"frequencyMHz"`
	Secured      bool   `json:"secured"`
}

// nmcli wraps the NetworkManager CLI. All calls are short and bounded;
// the runner enforces the timeout.
type nmcli struct {
	runner sysexec.Runner
	ifname string
}

func (n *nmcli) savedWifiProfiles(ctx context.Context) ([]string, error) {
	out, err := n.runner.Run(ctx, "nmcli", "-t", "-f", "NAME,TYPE", "connection", "show")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		fields := splitEscaped(line)
		if len(fields) == 2 && fields[1] == "802-11-wireless" {
			names = append(names, fields[0])
		}
	}
	return names, nil
}

func (n *nmcli) rescan(ctx context.Context) error {
	_, err := n.runner.Run(ctx, "nmcli", "device", "wifi", "rescan")
	return err
}

func (n *nmcli) accessPoints(ctx context.Context) ([]AccessPointInfo, error) {
	out, err := n.runner.Run(ctx, "nmcli", "-t", "-f", "SSID,SIGNAL,FREQ,SECURITY", "device", "wifi", "list")
	if err != nil {
		return nil, err
	}
	return parseAccessPoints(out), nil
}

func (n *nmcli) addWifiProfile(ctx context.Context, profile, ssid, psk string) error {
	_, err := n.runner.Run(ctx, "nmcli", "connection", "add",
		"type", "wifi",
		"ifname", n.ifname,
		"con-name", profile,
		"ssid", ssid,
		"wifi-sec.key-mgmt", "wpa-psk",
		"wifi-sec.psk", psk,
		"connection.autoconnect", "yes")
	return err
}

func (n *nmcli) addAccessPointProfile(ctx context.Context, profile, ssid string) error {
	// Shared IPv4 method: NetworkManager hands out addresses and DNS to
	// portal clients.
	_, err := n.runner.Run(ctx, "nmcli", "connection", "add",
		"type", "wifi",
		"ifname", n.ifname,
		"con-name", profile,
		"autoconnect", "no",
		"ssid", ssid,
		"802-11-wireless.mode", "ap",
		"802-11-wireless.band", "bg",
		"ipv4.method", "shared")
	return err
}

func (n *nmcli) activate(ctx context.Context, profile string) error {
	_, err := n.runner.Run(ctx, "nmcli", "connection", "up", profile)
	return err
}

func (n *nmcli) deactivate(ctx context.Context, profile string) error {
	_, err := n.runner.Run(ctx, "nmcli", "connection", "down", profile)
	return err
}

func (n *nmcli) deleteProfile(ctx context.Context, profile string) error {
	_, err := n.runner.Run(ctx, "nmcli", "connection", "delete", profile)
	return err
}

// profileState returns the activation state of a profile: "activated",
// "activating", "deactivating", "deactivated", or "" when the profile
// is not active at all.
func (n *nmcli) profileState(ctx context.Context, profile string) (string, error) {
	out, err := n.runner.Run(ctx, "nmcli", "-t", "-f", "GENERAL.STATE", "connection", "show", profile)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "GENERAL.STATE:"); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", nil
}

// connectivity maps NetworkManager's connectivity check to the
// connection.network sub-state.
func (n *nmcli) connectivity(ctx context.Context) (string, error) {
	out, err := n.runner.Run(ctx, "nmcli", "networking", "connectivity")
	if err != nil {
		return "unknown", err
	}
	switch strings.TrimSpace(out) {
	case "full", "limited", "portal":
		return "connected", nil
	case "none":
		return "disconnected", nil
	default:
		return "unknown", nil
	}
}

// parseAccessPoints parses terse nmcli wifi list output. Lines look
// like "Home:82:2437 MHz:WPA2"; colons inside the SSID are escaped
// with a backslash.
func parseAccessPoints(out string) []AccessPointInfo {
	var aps []AccessPointInfo
	for _, line := range strings.Split(out, "\n") {
		fields := splitEscaped(line)
		if len(fields) < 4 {
			continue
		}
		strength, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		freq, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(fields[2]), " MHz"))
		aps = append(aps, AccessPointInfo{
			SSID:         fields[0],
			Strength:     strength,
			FrequencyMHz: freq,
			Secured:      fields[3] != "" && fields[3] != "--",
		})
	}
	return aps
}

// splitEscaped splits a terse nmcli line on ':' honoring backslash
// escapes.
func splitEscaped(line string) []string {
	var fields []string
	var b strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			fields = append(fields, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	fields = append(fields, b.String())
	return fields
}

// DedupeAccessPoints drops hidden (empty-SSID) entries, keeps the
// strongest entry per SSID, and sorts by strength descending.
func DedupeAccessPoints(aps []AccessPointInfo) []AccessPointInfo {
	best := make(map[string]AccessPointInfo)
	for _, ap := range aps {
		if ap.SSID == "" {
			continue
		}
		if cur, ok := best[ap.SSID]; !ok || ap.Strength > cur.Strength {
			best[ap.SSID] = ap
		}
	}
	out := make([]AccessPointInfo, 0, len(best))
	for _, ap := range best {
		out = append(out, ap)
	}
	// Strength descending, SSID as a stable tie-break.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].SSID < out[j].SSID
	})
	return out
}
