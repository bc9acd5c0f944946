// Package audioio wires cwtrainer's abstract AudioSource/AudioSink
// interfaces to real capture and playback hardware via malgo. This is the
// "external collaborator" the core spec deliberately keeps out of its own
// packages: device enumeration and the host audio callback mechanics.
package audioio

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/gen2brain/malgo"
)

// DeviceInfo describes one enumerated capture or playback device, for
// --list-devices and --input-device/--output-device index resolution.
type DeviceInfo struct {
	Index int
	Name  string
}

var contextOnce sync.Once
var sharedCtx *malgo.AllocatedContext
var contextErr error

func context() (*malgo.AllocatedContext, error) {
	contextOnce.Do(func() {
		sharedCtx, contextErr = malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	})
	return sharedCtx, contextErr
}

// ListCaptureDevices enumerates input devices for --list-devices.
func ListCaptureDevices() ([]DeviceInfo, error) {
	ctx, err := context()
	if err != nil {
		return nil, err
	}
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, err
	}
	return toDeviceInfos(infos), nil
}

// ListPlaybackDevices enumerates output devices for --list-devices.
func ListPlaybackDevices() ([]DeviceInfo, error) {
	ctx, err := context()
	if err != nil {
		return nil, err
	}
	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, err
	}
	return toDeviceInfos(infos), nil
}

func toDeviceInfos(infos []malgo.DeviceInfo) []DeviceInfo {
	out := make([]DeviceInfo, len(infos))
	for i, info := range infos {
		out[i] = DeviceInfo{Index: i, Name: info.Name()}
	}
	return out
}

// CaptureSource is a cw.AudioSource backed by a malgo capture device.
type CaptureSource struct {
	sampleRate  int
	deviceIndex int

	device         *malgo.Device
	callbackSetter captureCallbackSetter
}

// NewCaptureSource builds a capture source for the given sample rate.
// deviceIndex selects among ListCaptureDevices; -1 uses the system default.
func NewCaptureSource(sampleRate, deviceIndex int) *CaptureSource {
	return &CaptureSource{sampleRate: sampleRate, deviceIndex: deviceIndex}
}

func (c *CaptureSource) Open() error {
	ctx, err := context()
	if err != nil {
		return fmt.Errorf("audioio: init context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(c.sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if c.deviceIndex >= 0 {
		infos, err := ctx.Devices(malgo.Capture)
		if err == nil && c.deviceIndex < len(infos) {
			deviceConfig.Capture.DeviceID = infos[c.deviceIndex].ID.Pointer()
		}
	}

	var callback func(samples []float32)
	onRecvFrames := func(_, pInputSamples []byte, framecount uint32) {
		if callback == nil || len(pInputSamples) == 0 {
			return
		}
		samples := unsafe.Slice((*float32)(unsafe.Pointer(&pInputSamples[0])), int(framecount))
		callback(samples)
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		return fmt.Errorf("audioio: init capture device: %w", err)
	}
	c.device = device
	c.callbackSetter = func(cb func(samples []float32)) { callback = cb }
	return nil
}

// callbackSetter lets Start assign into the closure captured by Open,
// since malgo's Data callback is fixed at InitDevice time.
type captureCallbackSetter = func(func(samples []float32))

func (c *CaptureSource) Start(callback func(samples []float32)) error {
	if c.device == nil {
		return fmt.Errorf("audioio: capture device not open")
	}
	c.callbackSetter(callback)
	return c.device.Start()
}

func (c *CaptureSource) Stop() error {
	if c.device != nil {
		return c.device.Stop()
	}
	return nil
}

func (c *CaptureSource) Close() error {
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	return nil
}

func (c *CaptureSource) SampleRate() int { return c.sampleRate }

// PlaybackSink is a cw.AudioSink backed by a malgo playback device.
type PlaybackSink struct {
	sampleRate  int
	deviceIndex int

	device *malgo.Device
	mu     sync.Mutex
	queue  []float32
}

// NewPlaybackSink builds a playback sink for the given sample rate.
// deviceIndex selects among ListPlaybackDevices; -1 uses the system default.
func NewPlaybackSink(sampleRate, deviceIndex int) *PlaybackSink {
	return &PlaybackSink{sampleRate: sampleRate, deviceIndex: deviceIndex}
}

func (p *PlaybackSink) Open() error {
	ctx, err := context()
	if err != nil {
		return fmt.Errorf("audioio: init context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(p.sampleRate)

	if p.deviceIndex >= 0 {
		infos, err := ctx.Devices(malgo.Playback)
		if err == nil && p.deviceIndex < len(infos) {
			deviceConfig.Playback.DeviceID = infos[p.deviceIndex].ID.Pointer()
		}
	}

	onSendFrames := func(pOutputSamples, _ []byte, framecount uint32) {
		out := unsafe.Slice((*float32)(unsafe.Pointer(&pOutputSamples[0])), int(framecount))
		p.mu.Lock()
		n := copy(out, p.queue)
		p.queue = p.queue[n:]
		p.mu.Unlock()
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSendFrames})
	if err != nil {
		return fmt.Errorf("audioio: init playback device: %w", err)
	}
	p.device = device
	return p.device.Start()
}

// Write appends samples to the playback queue. Successive writes play one
// after another; samples from different callers are not mixed together, and
// no clipping is applied.
func (p *PlaybackSink) Write(samples []float32) error {
	p.mu.Lock()
	p.queue = append(p.queue, samples...)
	p.mu.Unlock()
	return nil
}

func (p *PlaybackSink) Stop() error {
	if p.device != nil {
		return p.device.Stop()
	}
	return nil
}

func (p *PlaybackSink) Close() error {
	if p.device != nil {
		p.device.Uninit()
		p.device = nil
	}
	return nil
}

func (p *PlaybackSink) SampleRate() int { return p.sampleRate }

// MatchDeviceByName returns the index of the first device whose name
// contains needle (case-insensitive), or -1 if none match.
func MatchDeviceByName(devices []DeviceInfo, needle string) int {
	if needle == "" {
		return -1
	}
	needle = strings.ToLower(needle)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), needle) {
			return d.Index
		}
	}
	return -1
}
