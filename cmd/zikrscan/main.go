// Command zikrscan scans for nearby Zikr Rings and prints what it finds.
// It is a field diagnostic: no daemon, no HTTP, just the radio.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/abduljabar5/zikrlink/internal/ble"
	"github.com/abduljabar5/zikrlink/internal/ring"
)

func main() {
	timeout := flag.Duration("timeout", 10*time.Second, "how long to scan")
	service := flag.String("service", ring.DefaultServiceUUID, "service UUID to filter on")
	prefixes := flag.String("prefixes", "Zikr", "comma-separated name prefixes to match")
	flag.Parse()

	adapter := ble.NewPlatformAdapter()
	mgr := ring.NewManager(adapter, nil, ring.Options{
		ServiceUUID:  *service,
		TapCharUUID:  ring.DefaultTapCharUUID,
		NamePrefixes: splitPrefixes(*prefixes),
		ScanTimeout:  *timeout,
	})
	defer mgr.Close()

	// The registry empties when the scan stops, so keep our own copy of
	// the last sighting list.
	var mu sync.Mutex
	var last []ring.DiscoveredRing
	mgr.OnChange(func(s ring.Snapshot) {
		if !s.IsScanning {
			return
		}
		mu.Lock()
		last = s.Rings
		mu.Unlock()
	})

	if err := mgr.StartScanning(); err != nil {
		log.Fatalf("starting scan: %v", err)
	}
	fmt.Printf("Scanning for %s (Ctrl+C to stop early)...\n", *timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println()
			if err := mgr.StopScanning("interrupted"); err != nil {
				log.Fatalf("stopping scan: %v", err)
			}
		case <-ticker.C:
			if mgr.Snapshot().IsScanning {
				continue
			}
		}
		break
	}

	mu.Lock()
	rings := last
	mu.Unlock()
	printRings(rings)
}

func splitPrefixes(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printRings(rings []ring.DiscoveredRing) {
	if len(rings) == 0 {
		fmt.Println("No rings found.")
		return
	}
	fmt.Printf("Found %d ring(s), strongest signal first:\n", len(rings))
	for i, r := range rings {
		name := r.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %d. %-24s %s  %4d dBm\n", i+1, name, r.ID, r.RSSI)
	}
}
