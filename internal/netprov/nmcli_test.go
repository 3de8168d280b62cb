package netprov

import (
	"reflect"
	"testing"
)

func TestParseAccessPoints(t *testing.T) {
	out := "Home:82:2437 MHz:WPA2\n" +
		"Cafe\\:Guest:55:5180 MHz:WPA2 WPA3\n" +
		"Open:40:2412 MHz:\n" +
		"Dashes:30:2462 MHz:--\n" +
		"garbage line\n"

	aps := parseAccessPoints(out)
	want := []AccessPointInfo{
		{SSID: "Home", Strength: 82, FrequencyMHz: 2437, Secured: true},
		{SSID: "Cafe:Guest", Strength: 55, FrequencyMHz: 5180, Secured: true},
		{SSID: "Open", Strength: 40, FrequencyMHz: 2412, Secured: false},
		{SSID: "Dashes", Strength: 30, FrequencyMHz: 2462, Secured: false},
	}
	if !reflect.DeepEqual(aps, want) {
		t.Errorf("parsed = %+v\nwant %+v", aps, want)
	}
}

func TestDedupeAccessPoints(t *testing.T) {
	in := []AccessPointInfo{
		{SSID: "Home", Strength: 60},
		{SSID: "", Strength: 99},
		{SSID: "Attic", Strength: 30},
		{SSID: "Home", Strength: 85},
		{SSID: "Cafe", Strength: 85},
	}

	got := DedupeAccessPoints(in)

	if len(got) != 3 {
		t.Fatalf("len = %d, want 3: %+v", len(got), got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Strength > got[i-1].Strength {
			t.Errorf("not sorted descending: %+v", got)
		}
	}
	for _, ap := range got {
		if ap.SSID == "" {
			t.Error("hidden network kept")
		}
		if ap.SSID == "Home" && ap.Strength != 85 {
			t.Errorf("kept weaker duplicate: %+v", ap)
		}
	}
}
