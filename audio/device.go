package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Device describes one enumerable capture device.
type Device struct {
	ID        string
	Name      string
	IsDefault bool
}

// ChunkFunc receives interleaved int16 samples from the capture thread.
// It must return quickly: it runs on the platform's audio callback thread
// and must never block.
type ChunkFunc func(samples []int16, sampleRate, channels int)

// ErrorFunc reports a transient or fatal capture error.
type ErrorFunc func(err error)

// Capture is the audio capture collaborator (§6.1): it owns the
// platform-specific capture thread (via miniaudio/malgo) and hands
// interleaved int16 PCM to a callback. It performs no resampling and no
// mixing beyond delivering what the device produces; the core downmixes
// and resamples.
type Capture struct {
	ctx *malgo.AllocatedContext

	mu       sync.Mutex
	device   *malgo.Device
	running  bool
	onChunk  ChunkFunc
	onError  ErrorFunc
}

// NewCapture initializes the underlying audio context. The caller must call
// Close when finished.
func NewCapture() (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}
	return &Capture{ctx: ctx}, nil
}

// ListDevices enumerates capture devices.
func (c *Capture) ListDevices() ([]Device, error) {
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("audio: enumerate devices: %w", err)
	}
	out := make([]Device, 0, len(infos))
	for i, info := range infos {
		out = append(out, Device{
			ID:        info.ID.String(),
			Name:      info.Name(),
			IsDefault: i == 0,
		})
	}
	return out, nil
}

// Start begins streaming from deviceID (empty string selects the system
// default), requesting 48 kHz mono int16 from the device, and invokes
// onChunk from the capture thread for every delivered buffer. onChunk must not block: it should hand
// samples to a Queue.Push and return. Start must be called while the
// collaborator is not already capturing.
func (c *Capture) Start(deviceID string, onChunk ChunkFunc, onError ErrorFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("audio: capture already running")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = 48000
	deviceConfig.Alsa.NoMMap = 1

	if deviceID != "" {
		var id malgo.DeviceID
		if err := id.Scan(deviceID); err == nil {
			deviceConfig.Capture.DeviceID = id.Pointer()
		}
	}

	c.onChunk = onChunk
	c.onError = onError

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			samples := bytesToInt16(input)
			c.mu.Lock()
			cb := c.onChunk
			c.mu.Unlock()
			if cb != nil {
				cb(samples, int(deviceConfig.SampleRate), int(deviceConfig.Capture.Channels))
			}
		},
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("audio: init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("audio: start device: %w", err)
	}

	c.device = device
	c.running = true
	return nil
}

// Stop halts capture. Idempotent.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	if c.device != nil {
		c.device.Stop()
		c.device.Uninit()
		c.device = nil
	}
	c.running = false
}

// IsCapturing reports whether a device is currently streaming.
func (c *Capture) IsCapturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Close stops capture if it is still running and releases the audio context.
func (c *Capture) Close() {
	c.Stop()
	if c.ctx != nil {
		c.ctx.Uninit()
		c.ctx.Free()
	}
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}
