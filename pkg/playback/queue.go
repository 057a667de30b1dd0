package playback

import (
	"context"
	"encoding/base64"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/mentor/pkg/eventloop"
)

// Chunk is one synthesized audio segment with the text it speaks.
type Chunk struct {
	// Audio is base64 encoded MPEG audio as received from the server.
	Audio string
	Text  string
}

// Clip is a decoded chunk ready to play. Release frees whatever the decoder
// allocated for it and is called exactly once per clip.
type Clip interface {
	Play(ctx context.Context) error
	Release() error
}

type Decoder interface {
	Decode(audio []byte) (Clip, error)
}

// DecodeError marks a chunk whose audio could not be decoded. The chunk is skipped.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "playback: decode: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

type Option func(*Queue)

// WithReveal sets the function that merges a chunk's text into the transcript.
// It runs on the loop, before the chunk starts playing.
func WithReveal(fn func(text string)) Option {
	return func(q *Queue) { q.reveal = fn }
}

// WithOnDrained sets the function called on the loop whenever the queue runs empty.
func WithOnDrained(fn func()) Option {
	return func(q *Queue) { q.onDrained = fn }
}

// WithOnStateChange is called on the loop when playback starts or goes idle.
func WithOnStateChange(fn func(playing bool)) Option {
	return func(q *Queue) { q.onState = fn }
}

// Queue plays chunks one after the other in arrival order. All methods must be
// called on the event loop; decoding and playback run off-loop and post their
// completion back.
type Queue struct {
	sched   eventloop.Scheduler
	decoder Decoder

	reveal    func(text string)
	onDrained func()
	onState   func(playing bool)

	items   []Chunk
	playing bool
	current *inflight

	ctx    context.Context
	cancel context.CancelFunc

	played  int
	skipped int
}

type inflight struct {
	seq  int
	text string
}

func NewQueue(decoder Decoder, sched eventloop.Scheduler, opts ...Option) (*Queue, error) {
	if decoder == nil {
		return nil, errors.New("playback: decoder is nil")
	}
	if sched == nil {
		return nil, errors.New("playback: scheduler is nil")
	}
	q := &Queue{decoder: decoder, sched: sched}
	for _, o := range opts {
		o(q)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q, nil
}

// Enqueue appends a chunk and starts playback when the queue was idle. Chunks
// without audio are dropped.
func (q *Queue) Enqueue(c Chunk) bool {
	if q == nil {
		return false
	}
	if c.Audio == "" {
		log.Warn().Str("component", "playback").Msg("ignoring audio chunk without audio")
		return false
	}
	q.items = append(q.items, c)
	if !q.playing {
		q.setPlaying(true)
		q.consume()
	}
	return true
}

// Idle reports whether nothing is queued and nothing is playing.
func (q *Queue) Idle() bool {
	return q == nil || (!q.playing && len(q.items) == 0)
}

func (q *Queue) Playing() bool {
	return q != nil && q.playing
}

func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.items)
}

// Stats returns how many chunks were played and how many were skipped.
func (q *Queue) Stats() (played int, skipped int) {
	if q == nil {
		return 0, 0
	}
	return q.played, q.skipped
}

// Reset drops everything queued and cancels the chunk in flight. It does not
// report the queue as drained.
func (q *Queue) Reset() {
	if q == nil {
		return
	}
	dropped := len(q.items)
	q.items = nil
	q.current = nil
	q.cancel()
	q.ctx, q.cancel = context.WithCancel(context.Background())
	if q.playing {
		q.setPlaying(false)
	}
	if dropped > 0 {
		log.Debug().Str("component", "playback").Int("dropped", dropped).Msg("playback queue reset")
	}
}

// Close cancels playback for good.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.Reset()
	q.cancel()
}

func (q *Queue) consume() {
	if len(q.items) == 0 {
		q.current = nil
		q.setPlaying(false)
		if q.onDrained != nil {
			q.onDrained()
		}
		return
	}

	c := q.items[0]
	q.items[0] = Chunk{}
	q.items = q.items[1:]

	if c.Text != "" && q.reveal != nil {
		q.reveal(c.Text)
	}

	f := &inflight{seq: q.played + q.skipped + 1, text: c.Text}
	q.current = f
	ctx := q.ctx
	go func() {
		clip, err := q.decode(c.Audio)
		if err == nil {
			err = clip.Play(ctx)
		}
		if !q.sched.Post(func() { q.finish(f, clip, err) }) && clip != nil {
			_ = clip.Release()
		}
	}()
}

func (q *Queue) decode(audio string) (Clip, error) {
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		return nil, &DecodeError{Err: errors.Wrap(err, "base64")}
	}
	clip, err := q.decoder.Decode(raw)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &DecodeError{Err: err}
	}
	return clip, nil
}

func (q *Queue) finish(f *inflight, clip Clip, err error) {
	if clip != nil {
		if rerr := clip.Release(); rerr != nil {
			log.Warn().Err(rerr).Str("component", "playback").Int("seq", f.seq).Msg("releasing clip failed")
		}
	}
	if f != q.current {
		return
	}
	if err != nil {
		q.skipped++
		var de *DecodeError
		if errors.As(err, &de) {
			log.Warn().Err(err).Str("component", "playback").Int("seq", f.seq).Msg("skipping undecodable chunk")
		} else if !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("component", "playback").Int("seq", f.seq).Msg("chunk playback failed")
		}
	} else {
		q.played++
	}
	q.consume()
}

func (q *Queue) setPlaying(v bool) {
	if q.playing == v {
		return
	}
	q.playing = v
	if q.onState != nil {
		q.onState(v)
	}
}
