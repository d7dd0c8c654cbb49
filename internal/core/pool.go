package core

import (
	"context"
	"sync"
	"time"
)

// Prober checks whether a device is reachable. Registration uses it to
// admit unreachable devices as unavailable instead of idle. A nil prober
// assumes every device is online.
type Prober func(ctx context.Context, deviceID string) bool

// DevicePool tracks registered devices and their availability. Acquire is
// the atomic check-and-mark step that keeps two dispatch cycles from
// assigning the same device.
type DevicePool struct {
	mu      sync.Mutex
	devices map[string]*Device
	prober  Prober
}

// NewDevicePool creates an empty pool.
func NewDevicePool(prober Prober) *DevicePool {
	return &DevicePool{
		devices: make(map[string]*Device),
		prober:  prober,
	}
}

// Register adds a device to the pool. Fails with ErrDeviceExists if the id
// is already registered. When a prober is configured and the device does
// not answer, it is admitted as unavailable.
func (p *DevicePool) Register(ctx context.Context, id string) (*Device, error) {
	status := DeviceIdle
	if p.prober != nil && !p.prober(ctx, id) {
		status = DeviceUnavailable
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.devices[id]; ok {
		return nil, ErrDeviceExists
	}
	dev := &Device{ID: id, Status: status}
	p.devices[id] = dev
	snap := *dev
	return &snap, nil
}

// Deregister removes a device. A busy device is refused with ErrDeviceBusy
// unless force is set, in which case the id of the interrupted task is
// returned so the caller can force-fail it.
func (p *DevicePool) Deregister(id string, force bool) (interruptedTask string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[id]
	if !ok {
		return "", ErrDeviceNotFound
	}
	if dev.Status == DeviceBusy {
		if !force {
			return "", ErrDeviceBusy
		}
		interruptedTask = dev.CurrentTask
	}
	delete(p.devices, id)
	return interruptedTask, nil
}

// Acquire marks the device busy on behalf of a task. It fails with
// ErrDeviceNotIdle unless the device is idle at the moment of the call;
// the check and the mark are one critical section.
func (p *DevicePool) Acquire(deviceID, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	if dev.Status != DeviceIdle {
		return ErrDeviceNotIdle
	}
	dev.Status = DeviceBusy
	dev.CurrentTask = taskID
	now := time.Now().UTC()
	dev.LastUsed = &now
	return nil
}

// Release returns the device to idle and updates its run counters. A
// device that was force-deregistered mid-task is simply gone; releasing
// it is a no-op.
func (p *DevicePool) Release(deviceID string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[deviceID]
	if !ok {
		return
	}
	dev.Status = DeviceIdle
	dev.CurrentTask = ""
	dev.TotalRuns++
	if success {
		dev.Succeeded++
	} else {
		dev.Failed++
	}
}

// IdleFor picks an idle device for a task. An exact match on the
// preferred id wins; otherwise any idle device is returned. The empty
// string means none is idle.
func (p *DevicePool) IdleFor(preferred string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if preferred != "" {
		if dev, ok := p.devices[preferred]; ok && dev.Status == DeviceIdle {
			return preferred
		}
	}
	for id, dev := range p.devices {
		if dev.Status == DeviceIdle {
			return id
		}
	}
	return ""
}

// Refresh re-probes every non-busy device and flips it between idle and
// unavailable according to the probe result.
func (p *DevicePool) Refresh(ctx context.Context) {
	if p.prober == nil {
		return
	}
	p.mu.Lock()
	ids := make([]string, 0, len(p.devices))
	for id, dev := range p.devices {
		if dev.Status != DeviceBusy {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		online := p.prober(ctx, id)
		p.mu.Lock()
		if dev, ok := p.devices[id]; ok && dev.Status != DeviceBusy {
			if online {
				dev.Status = DeviceIdle
			} else {
				dev.Status = DeviceUnavailable
			}
		}
		p.mu.Unlock()
	}
}

// Get returns a copy of the device, or nil if it is not registered.
func (p *DevicePool) Get(id string) *Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[id]
	if !ok {
		return nil
	}
	snap := *dev
	return &snap
}

// Snapshot returns copies of all registered devices.
func (p *DevicePool) Snapshot() []Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Device, 0, len(p.devices))
	for _, dev := range p.devices {
		out = append(out, *dev)
	}
	return out
}

// Counts reports (idle, busy, total) for status surfaces.
func (p *DevicePool) Counts() (idle, busy, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, dev := range p.devices {
		switch dev.Status {
		case DeviceIdle:
			idle++
		case DeviceBusy:
			busy++
		}
	}
	return idle, busy, len(p.devices)
}
