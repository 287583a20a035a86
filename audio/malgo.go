package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// Engine owns the platform audio context and builds live devices.
type Engine struct {
	ctx *malgo.AllocatedContext
	cfg Config
}

func NewEngine(cfg Config) (*Engine, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return &Engine{ctx: ctx, cfg: cfg}, nil
}

func (e *Engine) Close() {
	e.ctx.Uninit()
	e.ctx.Free()
}

func (e *Engine) NewPlayer() Player {
	return &malgoPlayer{engine: e}
}

func (e *Engine) NewRecorder() Recorder {
	return &malgoRecorder{engine: e}
}

type malgoPlayer struct {
	engine *Engine

	mu      sync.Mutex
	device  *malgo.Device
	playing bool
	gen     int // invalidates stale completions
}

func (p *malgoPlayer) Play(pcm []byte, onComplete func()) error {
	p.Stop()

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = p.engine.cfg.Channels
	deviceConfig.SampleRate = p.engine.cfg.SampleRate

	var pos int
	done := make(chan struct{})
	var doneOnce sync.Once

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			n := copy(out, pcm[pos:])
			pos += n
			if pos >= len(pcm) {
				doneOnce.Do(func() { close(done) })
			}
		},
	}

	dev, err := malgo.InitDevice(p.engine.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("initializing playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("starting playback: %w", err)
	}

	p.mu.Lock()
	p.device = dev
	p.playing = true
	p.mu.Unlock()

	go func() {
		<-done
		p.mu.Lock()
		stale := gen != p.gen
		if !stale {
			p.playing = false
			p.device = nil
		}
		p.mu.Unlock()
		dev.Uninit()
		if !stale && onComplete != nil {
			onComplete()
		}
	}()

	return nil
}

func (p *malgoPlayer) Stop() {
	p.mu.Lock()
	dev := p.device
	p.gen++
	p.device = nil
	p.playing = false
	p.mu.Unlock()
	if dev != nil {
		dev.Uninit()
	}
}

func (p *malgoPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

type malgoRecorder struct {
	engine *Engine

	mu        sync.Mutex
	device    *malgo.Device
	buf       []byte
	cb        DataCallback
	recording bool
	startedAt time.Time
}

// Authorize is a no-op for desktop capture: malgo surfaces permission
// problems as device init errors, which Start reports.
func (r *malgoRecorder) Authorize(context.Context) error { return nil }

func (r *malgoRecorder) SetCallback(cb DataCallback) {
	r.mu.Lock()
	r.cb = cb
	r.mu.Unlock()
}

func (r *malgoRecorder) Start() error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return fmt.Errorf("recorder already started")
	}
	r.buf = r.buf[:0]
	r.mu.Unlock()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = r.engine.cfg.Channels
	deviceConfig.SampleRate = r.engine.cfg.SampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			chunk := make([]byte, len(data))
			copy(chunk, data)
			r.mu.Lock()
			r.buf = append(r.buf, chunk...)
			cb := r.cb
			r.mu.Unlock()
			if cb != nil {
				cb(chunk, frameCount)
			}
		},
	}

	dev, err := malgo.InitDevice(r.engine.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("initializing capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("starting capture: %w", err)
	}

	r.mu.Lock()
	r.device = dev
	r.recording = true
	r.startedAt = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *malgoRecorder) Stop() []byte {
	r.mu.Lock()
	dev := r.device
	r.device = nil
	r.recording = false
	r.mu.Unlock()

	if dev != nil {
		dev.Uninit()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil
	}
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

func (r *malgoRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *malgoRecorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return 0
	}
	return time.Since(r.startedAt)
}
