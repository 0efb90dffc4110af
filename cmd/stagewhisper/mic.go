package main

import (
	"context"
	"errors"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/stagewhisper/stagewhisper/pkg/core/live"
)

// micSource captures microphone PCM through malgo and exposes it as an
// audio source for the segmenter.
type micSource struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	failed error
	closed bool
}

// openMic initializes the default capture device for the given format.
func openMic(audio live.AudioConfig) (live.AudioSource, error) {
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, err
	}

	m := &micSource{
		malgoCtx: malgoCtx,
		buf:      make([]byte, 0, audio.BytesPerSecond()),
	}
	m.cond = sync.NewCond(&m.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(audio.Channels)
	deviceConfig.SampleRate = uint32(audio.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			m.mu.Lock()
			m.buf = append(m.buf, pInputSamples...)
			m.mu.Unlock()
			m.cond.Signal()
		},
		Stop: func() {
			m.fail(errors.New("capture device stopped"))
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		return nil, err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		return nil, err
	}
	m.device = device
	return m, nil
}

func (m *micSource) fail(err error) {
	m.mu.Lock()
	if m.failed == nil && !m.closed {
		m.failed = err
	}
	m.mu.Unlock()
	m.cond.Broadcast()
}

// ReadFrame blocks until buffered samples are available.
func (m *micSource) ReadFrame(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		m.cond.Broadcast()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.buf) == 0 {
		if m.failed != nil {
			return nil, m.failed
		}
		if m.closed {
			return nil, errors.New("microphone closed")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.cond.Wait()
	}

	frame := make([]byte, len(m.buf))
	copy(frame, m.buf)
	m.buf = m.buf[:0]
	return frame, nil
}

// Close stops and releases the capture device.
func (m *micSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()

	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
	}
	if m.malgoCtx != nil {
		_ = m.malgoCtx.Uninit()
	}
	return nil
}
