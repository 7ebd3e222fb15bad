package cmsisdap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

const (
	// DefaultTimeout bounds a single command/response round trip.
	DefaultTimeout = 5 * time.Second
)

// Transport carries one CMSIS-DAP command packet and returns its response.
type Transport interface {
	WriteRead(ctx context.Context, cmd []byte) ([]byte, error)
}

// USBTransport handles bulk USB communication with a CMSIS-DAP v2 probe
type USBTransport struct {
	mu sync.Mutex

	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	timeout    time.Duration

	vid uint16
	pid uint16
}

// OpenUSB opens the first probe matching vid:pid and claims its vendor
// interface.
func OpenUSB(vid, pid uint16) (*USBTransport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("USB error: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device not found (VID:0x%04X PID:0x%04X)", vid, pid)
	}

	// Not supported on every platform; claiming reports the real failure.
	_ = dev.SetAutoDetach(true)

	t := &USBTransport{
		ctx:        ctx,
		dev:        dev,
		packetSize: V1PacketSize,
		timeout:    DefaultTimeout,
		vid:        vid,
		pid:        pid,
	}

	if err := t.claimInterface(); err != nil {
		t.Close()
		return nil, err
	}

	return t, nil
}

// claimInterface finds and claims the CMSIS-DAP vendor interface
func (t *USBTransport) claimInterface() error {
	cfgNum, err := t.dev.ActiveConfigNum()
	if err != nil {
		cfgNum = 1
	}
	cfg, err := t.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("failed to get config %d: %w", cfgNum, err)
	}
	t.cfg = cfg

	vendorIntfNum := 0
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) > 0 && intf.AltSettings[0].Class == gousb.ClassVendorSpec {
			vendorIntfNum = intf.Number
			break
		}
	}

	intf, err := cfg.Interface(vendorIntfNum, 0)
	if err != nil {
		return fmt.Errorf("failed to claim interface %d: %w", vendorIntfNum, err)
	}
	t.intf = intf

	return t.findEndpoints()
}

// findEndpoints discovers the bulk IN and OUT endpoints
func (t *USBTransport) findEndpoints() error {
	outAddr, inAddr := -1, -1
	for _, ep := range t.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionOut && outAddr < 0:
			outAddr = ep.Number
		case ep.Direction == gousb.EndpointDirectionIn && inAddr < 0:
			inAddr = ep.Number
			t.packetSize = ep.MaxPacketSize
		}
	}

	if outAddr < 0 {
		return fmt.Errorf("bulk OUT endpoint not found")
	}
	if inAddr < 0 {
		return fmt.Errorf("bulk IN endpoint not found")
	}

	epOut, err := t.intf.OutEndpoint(outAddr)
	if err != nil {
		return fmt.Errorf("failed to open OUT endpoint: %w", err)
	}
	t.epOut = epOut

	epIn, err := t.intf.InEndpoint(inAddr)
	if err != nil {
		return fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	t.epIn = epIn

	return nil
}

// WriteRead performs a command/response transaction. ctx and the transport
// timeout both bound the exchange.
func (t *USBTransport) WriteRead(ctx context.Context, cmd []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.epOut == nil {
		return nil, fmt.Errorf("transport closed")
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if _, err := t.epOut.WriteContext(ctx, cmd); err != nil {
		return nil, fmt.Errorf("USB write failed: %w", err)
	}

	resp := make([]byte, t.packetSize)
	n, err := t.epIn.ReadContext(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("USB read failed: %w", err)
	}
	return resp[:n], nil
}

// PacketSize returns the bulk IN max packet size
func (t *USBTransport) PacketSize() int {
	return t.packetSize
}

// SetTimeout sets the per-transaction timeout
func (t *USBTransport) SetTimeout(timeout time.Duration) {
	t.mu.Lock()
	t.timeout = timeout
	t.mu.Unlock()
}

// Close releases USB resources
func (t *USBTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.epIn, t.epOut = nil, nil
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
