package capture

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/mentor/pkg/eventloop"
)

const (
	DefaultInterval    = 250 * time.Millisecond
	DefaultDrainDelay  = 50 * time.Millisecond
	DefaultStopTimeout = 5 * time.Second
)

// Recorder is an acquired microphone that produces encoded audio.
type Recorder interface {
	// Start begins delivering encoded audio through onData every interval.
	// After Stop, onData may fire once more with the tail of the recording and
	// onStopped then fires exactly once.
	Start(interval time.Duration, onData func([]byte), onStopped func(error)) error
	// Stop asks the recorder to finish. It does not wait.
	Stop()
	// Release frees the microphone. It is safe to call more than once.
	Release() error
}

// Device hands out the microphone.
type Device interface {
	Acquire(ctx context.Context) (Recorder, error)
}

// Sink receives the captured audio, usually the realtime client.
type Sink interface {
	SendAudioChunk(audioBase64 string) error
	EndAudio(contextID string) error
}

// CaptureError reports that the microphone could not be acquired or started.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return "capture: " + e.Err.Error()
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Result describes a finished capture session.
type Result struct {
	ContextID string
	Chunks    int
	// Err is set when the end-of-stream event could not be sent.
	Err error
}

type Option func(*Pipeline)

func WithInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithDrainDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		if d >= 0 {
			p.drainDelay = d
		}
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.stopTimeout = d
		}
	}
}

// WithOnFinished registers the callback run on the loop once a stopped capture
// has been flushed and the end-of-stream event was sent.
func WithOnFinished(fn func(Result)) Option {
	return func(p *Pipeline) { p.onFinished = fn }
}

// Pipeline streams microphone audio to a Sink. Its methods must be called on the
// event loop; device callbacks are posted back onto it.
type Pipeline struct {
	device Device
	sink   Sink
	sched  eventloop.Scheduler

	interval    time.Duration
	drainDelay  time.Duration
	stopTimeout time.Duration
	onFinished  func(Result)

	gen    uint64
	active *recording
}

type recording struct {
	gen       uint64
	rec       Recorder
	contextID string
	chunks    int
	stopping  bool
	released  bool

	cancelTimeout func() bool
}

func NewPipeline(device Device, sink Sink, sched eventloop.Scheduler, opts ...Option) (*Pipeline, error) {
	if device == nil {
		return nil, errors.New("capture: device is nil")
	}
	if sink == nil {
		return nil, errors.New("capture: sink is nil")
	}
	if sched == nil {
		return nil, errors.New("capture: scheduler is nil")
	}
	p := &Pipeline{
		device:      device,
		sink:        sink,
		sched:       sched,
		interval:    DefaultInterval,
		drainDelay:  DefaultDrainDelay,
		stopTimeout: DefaultStopTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Listening reports whether a recording is active, including one that is
// currently flushing after Stop.
func (p *Pipeline) Listening() bool {
	return p != nil && p.active != nil
}

// Start acquires the microphone and begins streaming. A recording that is still
// active is stopped and released first, without an end-of-stream event.
func (p *Pipeline) Start(ctx context.Context, contextID string) error {
	if p == nil {
		return errors.New("capture: nil pipeline")
	}
	if p.active != nil {
		log.Info().Str("component", "capture").Uint64("gen", p.active.gen).Msg("replacing active recording")
		p.discard(p.active)
	}

	rec, err := p.device.Acquire(ctx)
	if err != nil {
		return &CaptureError{Err: errors.Wrap(err, "acquire microphone")}
	}

	p.gen++
	r := &recording{gen: p.gen, rec: rec, contextID: contextID}
	err = rec.Start(p.interval,
		func(b []byte) {
			p.sched.Post(func() { p.handleData(r, b) })
		},
		func(err error) {
			p.sched.Post(func() { p.handleStopped(r, err) })
		},
	)
	if err != nil {
		r.stopping = true
		p.release(r)
		return &CaptureError{Err: errors.Wrap(err, "start recorder")}
	}
	p.active = r
	log.Info().Str("component", "capture").Uint64("gen", r.gen).Str("context_id", contextID).Dur("interval", p.interval).Msg("capture started")
	return nil
}

// Stop ends the recording. The end-of-stream event is sent only after the
// recorder reported that it fully stopped and the drain delay passed. Calling
// Stop again, or without a recording, does nothing.
func (p *Pipeline) Stop() bool {
	if p == nil || p.active == nil || p.active.stopping {
		return false
	}
	r := p.active
	r.stopping = true
	r.rec.Stop()
	r.cancelTimeout = p.sched.AfterFunc(p.stopTimeout, func() {
		p.handleStopped(r, errors.Errorf("capture: recorder did not stop within %s", p.stopTimeout))
	})
	log.Debug().Str("component", "capture").Uint64("gen", r.gen).Msg("stop requested")
	return true
}

// Close releases the microphone without sending end-of-stream.
func (p *Pipeline) Close() {
	if p == nil || p.active == nil {
		return
	}
	p.discard(p.active)
}

func (p *Pipeline) handleData(r *recording, b []byte) {
	if p.active != r {
		log.Debug().Str("component", "capture").Uint64("gen", r.gen).Msg("dropping chunk from replaced recording")
		return
	}
	if len(b) == 0 {
		return
	}
	if err := p.sink.SendAudioChunk(base64.StdEncoding.EncodeToString(b)); err != nil {
		log.Warn().Err(err).Str("component", "capture").Uint64("gen", r.gen).Msg("audio chunk not sent")
		return
	}
	r.chunks++
}

func (p *Pipeline) handleStopped(r *recording, err error) {
	if p.active != r || r.released {
		return
	}
	if r.cancelTimeout != nil {
		r.cancelTimeout()
		r.cancelTimeout = nil
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "capture").Uint64("gen", r.gen).Msg("recorder stopped with error")
	}
	// Chunks posted before this point are already ahead of us on the loop; the
	// drain delay covers data still on its way from the recorder.
	p.release(r)
	p.sched.AfterFunc(p.drainDelay, func() { p.finish(r) })
}

func (p *Pipeline) finish(r *recording) {
	if p.active != r {
		return
	}
	p.active = nil
	res := Result{ContextID: r.contextID, Chunks: r.chunks}
	if err := p.sink.EndAudio(r.contextID); err != nil {
		res.Err = err
		log.Warn().Err(err).Str("component", "capture").Uint64("gen", r.gen).Msg("end of stream not sent")
	} else {
		log.Info().Str("component", "capture").Uint64("gen", r.gen).Int("chunks", r.chunks).Msg("capture flushed")
	}
	if p.onFinished != nil {
		p.onFinished(res)
	}
}

func (p *Pipeline) discard(r *recording) {
	if !r.stopping {
		r.stopping = true
		r.rec.Stop()
	}
	if r.cancelTimeout != nil {
		r.cancelTimeout()
		r.cancelTimeout = nil
	}
	p.release(r)
	if p.active == r {
		p.active = nil
	}
}

func (p *Pipeline) release(r *recording) {
	if r.released {
		return
	}
	r.released = true
	if err := r.rec.Release(); err != nil {
		log.Warn().Err(err).Str("component", "capture").Uint64("gen", r.gen).Msg("microphone release failed")
	}
}
