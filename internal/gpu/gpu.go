// Package gpu probes the VRAM headroom of the host's devices. Lease
// decisions are made against the probed free memory, never against
// bookkeeping alone.
package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Device is one GPU as reported by the device probe. Memory figures are
// in MiB.
type Device struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	TotalMB int64  `json:"total_mb"`
	UsedMB  int64  `json:"used_mb"`
	FreeMB  int64  `json:"free_mb"`
}

// Prober reports the current state of the host's GPUs.
type Prober interface {
	Probe(ctx context.Context) ([]Device, error)
}

// SMIProber shells out to nvidia-smi for device state.
type SMIProber struct {
	// Command overrides the binary name, mainly for tests.
	Command string
}

var _ Prober = (*SMIProber)(nil)

func (p *SMIProber) Probe(ctx context.Context) ([]Device, error) {
	cmd := p.Command
	if cmd == "" {
		cmd = "nvidia-smi"
	}
	out, err := exec.CommandContext(ctx, cmd,
		"--query-gpu=index,name,memory.total,memory.used,memory.free",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", cmd, err)
	}
	return ParseSMIOutput(out)
}

// ParseSMIOutput parses nvidia-smi CSV output in
// index,name,memory.total,memory.used,memory.free order with no header
// and no units.
func ParseSMIOutput(out []byte) ([]Device, error) {
	var devices []Device
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 5 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		index, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("parse index in %q: %w", line, err)
		}
		total, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse total in %q: %w", line, err)
		}
		used, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse used in %q: %w", line, err)
		}
		free, err := strconv.ParseInt(strings.TrimSpace(parts[4]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse free in %q: %w", line, err)
		}
		devices = append(devices, Device{
			Index:   index,
			Name:    strings.TrimSpace(parts[1]),
			TotalMB: total,
			UsedMB:  used,
			FreeMB:  free,
		})
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("nvidia-smi reported no devices")
	}
	return devices, nil
}

// StaticProber serves a fixed device list. Development mode and tests use
// it in place of real hardware.
type StaticProber struct {
	mu      sync.Mutex
	devices []Device
	err     error
}

var _ Prober = (*StaticProber)(nil)

// NewStatic returns a prober that reports the given devices.
func NewStatic(devices ...Device) *StaticProber {
	return &StaticProber{devices: devices}
}

func (p *StaticProber) Probe(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	out := make([]Device, len(p.devices))
	copy(out, p.devices)
	return out, nil
}

// SetFree adjusts the reported free memory of a device.
func (p *StaticProber) SetFree(index int, freeMB int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.devices {
		if p.devices[i].Index == index {
			p.devices[i].FreeMB = freeMB
			p.devices[i].UsedMB = p.devices[i].TotalMB - freeMB
		}
	}
}

// SetError makes subsequent probes fail with err. Pass nil to recover.
func (p *StaticProber) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}
