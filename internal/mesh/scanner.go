package mesh

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// awoxOUIPrefix is the vendor prefix AwoX devices advertise from.
const awoxOUIPrefix = "A4:C1"

// AdapterScanner implements CandidateScanner over a BLE adapter scan,
// keeping only AwoX devices and returning them strongest signal first.
type AdapterScanner struct {
	adapter Adapter
}

// NewAdapterScanner wraps adapter as a candidate source.
func NewAdapterScanner(adapter Adapter) *AdapterScanner {
	return &AdapterScanner{adapter: adapter}
}

// ScanCandidates scans until ctx expires and returns the AwoX devices
// seen, deduplicated by MAC, sorted by descending RSSI.
func (s *AdapterScanner) ScanCandidates(ctx context.Context) ([]Device, error) {
	devices, err := s.adapter.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("mesh: scan candidates: %w", err)
	}

	seen := make(map[string]int) // MAC -> index into out
	var out []Device
	for _, dev := range devices {
		mac := strings.ToUpper(dev.MAC)
		if !strings.HasPrefix(mac, awoxOUIPrefix) {
			continue
		}
		if i, ok := seen[mac]; ok {
			if dev.RSSI > out[i].RSSI {
				out[i].RSSI = dev.RSSI
			}
			continue
		}
		seen[mac] = len(out)
		out = append(out, dev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out, nil
}

var _ CandidateScanner = (*AdapterScanner)(nil)
