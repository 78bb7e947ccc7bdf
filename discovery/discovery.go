// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery finds R-SCM rack controllers on the local network via
// mDNS (multicast DNS) and offers them to the device registry.
//
// # Advertisements
//
// Controllers advertise their Redfish service, by default as
// "_redfish._tcp" in "local.". Other Redfish endpoints (server BMCs, PDUs)
// share that service type, so a rack controller is recognised by its TXT
// records or instance name:
//   - product / model: contains "R-SCM" or "RSCM" (case-insensitive)
//   - instance name: contains "rscm"
//   - uuid: the Redfish service root UUID, used as the stable ID when present
//
// # Registration
//
// Sync runs one scan and hands every rack controller to a Sink (the
// registry), which ignores names and addresses it already knows. Discovered
// controllers are registered but never started automatically.
//
// # Thread Safety
//
// All scanner operations are safe for concurrent use. The device map is
// protected by a read-write lock.
//
// # Example Usage
//
//	scanner := discovery.NewScanner("_redfish._tcp", "local.")
//	added, err := scanner.Sync(ctx, 10*time.Second, registry)
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/soothill/rack-power-monitor/pkg/errors"
	"github.com/soothill/rack-power-monitor/pkg/logger"
	"github.com/soothill/rack-power-monitor/pkg/metrics"
)

// entriesBufferSize keeps the resolver from blocking during bursts of
// advertisements.
const entriesBufferSize = 10

// Device represents a discovered Redfish endpoint
type Device struct {
	Name      string
	Address   net.IP
	Port      int
	TXTRecord map[string]string
	Hostname  string
}

// IsRackController reports whether the endpoint identifies as an R-SCM.
func (d *Device) IsRackController() bool {
	for _, key := range []string{"product", "model"} {
		if v, ok := d.TXTRecord[key]; ok && isRSCM(v) {
			return true
		}
	}
	return isRSCM(d.Name)
}

func isRSCM(s string) bool {
	normalized := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	return strings.Contains(normalized, "rscm")
}

// GetDeviceID returns a unique identifier for the device
func (d *Device) GetDeviceID() string {
	if id, ok := d.TXTRecord["uuid"]; ok && id != "" {
		return id
	}
	return fmt.Sprintf("%s:%d", d.Address.String(), d.Port)
}

// DisplayName is the name offered to the registry: the instance name, else
// the host name without its domain, else the address.
func (d *Device) DisplayName() string {
	if name := strings.TrimSpace(d.Name); name != "" {
		return name
	}
	if host := strings.TrimSuffix(strings.TrimSuffix(d.Hostname, "."), ".local"); host != "" {
		return host
	}
	return d.Address.String()
}

// Sink receives discovered rack controllers. It reports whether the device
// was new.
type Sink interface {
	AddDiscovered(ctx context.Context, name, address string) (bool, error)
}

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Scanner handles rack controller discovery via mDNS
type Scanner struct {
	serviceType string
	domain      string
	browse      browseFunc
	devices     map[string]*Device
	mu          sync.RWMutex // Protects devices map
}

// NewScanner creates a new device scanner
func NewScanner(serviceType, domain string) *Scanner {
	return &Scanner{
		serviceType: serviceType,
		domain:      domain,
		browse:      zeroconfBrowse,
		devices:     make(map[string]*Device),
	}
}

func zeroconfBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Discover performs a single scan lasting timeout and returns every
// endpoint seen during it.
//
// The resolver produces entries on a buffered channel; one consumer
// goroutine parses them and updates the scanner-wide map under s.mu and
// the per-scan result slice under a local mutex. The consumer exits when
// the resolver closes the channel or the scan deadline passes.
func (s *Scanner) Discover(ctx context.Context, timeout time.Duration) ([]*Device, error) {
	entries := make(chan *zeroconf.ServiceEntry, entriesBufferSize)
	discoveredDevices := make([]*Device, 0)
	var mu sync.Mutex // Protects discoveredDevices slice (function-local)
	var wg sync.WaitGroup

	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-discoverCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				device := parseServiceEntry(entry)
				if device == nil {
					continue
				}
				deviceID := device.GetDeviceID()

				s.mu.Lock()
				s.devices[deviceID] = device
				s.mu.Unlock()

				mu.Lock()
				discoveredDevices = append(discoveredDevices, device)
				mu.Unlock()

				logger.Info().
					Str("device_id", deviceID).
					Str("device_name", device.Name).
					Str("address", device.Address.String()).
					Int("port", device.Port).
					Bool("rack_controller", device.IsRackController()).
					Msg("Discovered Redfish endpoint")
			}
		}
	}()

	if err := s.browse(discoverCtx, s.serviceType, s.domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("failed to browse: %w", err)
	}

	<-discoverCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return discoveredDevices, nil
}

// Sync runs one scan and offers every rack controller found to sink. It
// returns how many were newly registered.
func (s *Scanner) Sync(ctx context.Context, timeout time.Duration, sink Sink) (int, error) {
	start := time.Now()
	found, err := s.Discover(ctx, timeout)
	metrics.DiscoveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, errors.NewDiscoveryError("browse", err)
	}
	metrics.DevicesDiscovered.Set(float64(len(s.GetRackControllers())))

	added := 0
	for _, device := range found {
		if !device.IsRackController() {
			continue
		}
		isNew, addErr := sink.AddDiscovered(ctx, device.DisplayName(), device.Address.String())
		if addErr != nil {
			logger.Warn().Err(addErr).Str("device_name", device.DisplayName()).
				Msg("Could not register discovered rack controller")
			continue
		}
		if isNew {
			added++
			logger.Info().Str("device_name", device.DisplayName()).
				Str("address", device.Address.String()).
				Msg("Registered discovered rack controller")
		}
	}
	return added, nil
}

// parseServiceEntry converts a zeroconf service entry to a Device
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Device {
	if entry == nil {
		return nil
	}

	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		return nil
	}

	// Prefer IPv4, fallback to IPv6
	var addr net.IP
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0]
	} else {
		addr = entry.AddrIPv6[0]
	}

	return &Device{
		Name:      entry.Instance,
		Address:   addr,
		Port:      entry.Port,
		TXTRecord: parseTXT(entry.Text),
		Hostname:  entry.HostName,
	}
}

// parseTXT splits key=value TXT strings. Keys are lower-cased.
func parseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, record := range records {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) == 2 {
			txt[strings.ToLower(parts[0])] = parts[1]
		}
	}
	return txt
}

// GetDevices returns all discovered devices
func (s *Scanner) GetDevices() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*Device, 0, len(s.devices))
	for _, device := range s.devices {
		devices = append(devices, device)
	}
	return devices
}

// GetRackControllers returns only devices that identify as rack controllers
func (s *Scanner) GetRackControllers() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	controllers := make([]*Device, 0)
	for _, device := range s.devices {
		if device.IsRackController() {
			controllers = append(controllers, device)
		}
	}
	return controllers
}
