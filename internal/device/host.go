package device

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Host exposes the local machine's environment sensors as a Device: one
// handle per thermal zone reported by the kernel, plus CPU utilization,
// load average and memory pressure pseudo-sensors. It is the default
// adapter when no dedicated hardware module is wired in.
type Host struct {
	sensors  []Descriptor
	tempKeys map[int32]string // handle -> gopsutil sensor key

	mu       sync.Mutex
	active   map[int32]bool
	delayNs  map[int32]int64
	fallback time.Duration

	stop      chan struct{}
	closeOnce sync.Once
}

// NewHost probes the local machine and builds the sensor list. Thermal
// zones that cannot be read are skipped; the CPU/load/memory pseudo-sensors
// are always present. fallback bounds the poll interval when no activated
// sensor carries a delay request.
func NewHost(fallback time.Duration) (*Host, error) {
	if fallback <= 0 {
		fallback = 200 * time.Millisecond
	}
	h := &Host{
		tempKeys: make(map[int32]string),
		active:   make(map[int32]bool),
		delayNs:  make(map[int32]int64),
		fallback: fallback,
		stop:     make(chan struct{}),
	}

	next := int32(0)
	temps, err := host.SensorsTemperatures()
	if err != nil {
		log.Printf("host device: temperature probe failed, continuing without thermal sensors: %v", err)
	}
	seen := make(map[string]bool)
	for _, t := range temps {
		if t.SensorKey == "" || seen[t.SensorKey] {
			continue
		}
		seen[t.SensorKey] = true
		h.sensors = append(h.sensors, Descriptor{
			Handle:     next,
			Name:       t.SensorKey,
			Vendor:     "host",
			Type:       TypeTemperature,
			Version:    1,
			MaxRange:   150,
			Resolution: 0.1,
			MinDelay:   int32(time.Second / time.Microsecond),
		})
		h.tempKeys[next] = t.SensorKey
		next++
	}

	for _, d := range []Descriptor{
		{Name: "cpu-utilization", Type: TypeCPULoad, MaxRange: 100, Resolution: 0.01},
		{Name: "load-average", Type: TypeLoadAverage, MaxRange: 1024, Resolution: 0.01},
		{Name: "memory-usage", Type: TypeMemoryUsage, MaxRange: 100, Resolution: 0.01},
	} {
		d.Handle = next
		d.Vendor = "host"
		d.Version = 1
		d.MinDelay = int32(100 * time.Millisecond / time.Microsecond)
		h.sensors = append(h.sensors, d)
		next++
	}

	return h, nil
}

func (h *Host) Sensors() []Descriptor {
	out := make([]Descriptor, len(h.sensors))
	copy(out, h.sensors)
	return out
}

func (h *Host) known(handle int32) bool {
	return handle >= 0 && int(handle) < len(h.sensors)
}

func (h *Host) Activate(handle int32, enabled bool) error {
	if !h.known(handle) {
		return fmt.Errorf("activate %d: %w", handle, ErrUnknownHandle)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if enabled {
		h.active[handle] = true
	} else {
		delete(h.active, handle)
	}
	return nil
}

func (h *Host) SetDelay(handle int32, delayNs int64) error {
	if !h.known(handle) {
		return fmt.Errorf("set delay %d: %w", handle, ErrUnknownHandle)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delayNs[handle] = delayNs
	return nil
}

// SetFallback adjusts the poll interval used when no activated sensor has a
// delay request. Applied on the next poll cycle; safe to call while the
// dispatcher is blocked in Poll.
func (h *Host) SetFallback(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.fallback = d
	h.mu.Unlock()
}

// Poll sleeps for the tightest activated delay (or the fallback interval),
// then samples every activated sensor. It keeps waiting while no sensors
// are activated, so the dispatcher only ever wakes up with a real batch.
func (h *Host) Poll() ([]Event, error) {
	for {
		h.mu.Lock()
		interval := sampleInterval(h.active, h.delayNs, h.fallback)
		handles := make([]int32, 0, len(h.active))
		for handle := range h.active {
			handles = append(handles, handle)
		}
		h.mu.Unlock()

		select {
		case <-h.stop:
			return nil, ErrClosed
		case <-time.After(interval):
		}
		if len(handles) == 0 {
			continue
		}

		now := time.Now().UnixNano()
		events := make([]Event, 0, len(handles))
		for _, handle := range handles {
			v, err := h.sample(handle)
			if err != nil {
				log.Printf("host device: sampling handle %d failed: %v", handle, err)
				continue
			}
			events = append(events, Event{
				Sensor:    handle,
				Type:      h.sensors[handle].Type,
				Timestamp: now,
				Payload:   Payload(v),
			})
		}
		if len(events) == 0 {
			return nil, fmt.Errorf("no activated sensor could be sampled")
		}
		return events, nil
	}
}

func (h *Host) sample(handle int32) (float32, error) {
	switch h.sensors[handle].Type {
	case TypeTemperature:
		temps, err := host.SensorsTemperatures()
		if err != nil {
			return 0, err
		}
		key := h.tempKeys[handle]
		for _, t := range temps {
			if t.SensorKey == key {
				return float32(t.Temperature), nil
			}
		}
		return 0, fmt.Errorf("thermal zone %q disappeared", key)
	case TypeCPULoad:
		pct, err := cpu.Percent(0, false)
		if err != nil {
			return 0, err
		}
		if len(pct) == 0 {
			return 0, fmt.Errorf("no cpu utilization sample")
		}
		return float32(pct[0]), nil
	case TypeLoadAverage:
		avg, err := load.Avg()
		if err != nil {
			return 0, err
		}
		return float32(avg.Load1), nil
	case TypeMemoryUsage:
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, err
		}
		return float32(vm.UsedPercent), nil
	}
	return 0, fmt.Errorf("handle %d has no sampler", handle)
}

func (h *Host) Close() error {
	h.closeOnce.Do(func() { close(h.stop) })
	return nil
}

// sampleInterval returns the minimum positive delay requested for an
// activated handle, falling back when none carries a request. Callers hold
// the device mutex.
func sampleInterval(active map[int32]bool, delayNs map[int32]int64, fallback time.Duration) time.Duration {
	interval := fallback
	for handle := range active {
		if d := delayNs[handle]; d > 0 && time.Duration(d) < interval {
			interval = time.Duration(d)
		}
	}
	if interval <= 0 {
		interval = fallback
	}
	return interval
}
