package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/mentor/pkg/capture"
	"github.com/go-go-golems/mentor/pkg/eventloop"
	"github.com/go-go-golems/mentor/pkg/playback"
	"github.com/go-go-golems/mentor/pkg/realtime"
	"github.com/go-go-golems/mentor/pkg/transcript"
)

// Conn is the connection manager as seen by the session.
type Conn interface {
	Connect(ctx context.Context, cfg realtime.Config) error
	SetHandlers(h realtime.Handlers)
	Connected() bool
	Ask(contextID, question string) error
	SendAudioChunk(audioBase64 string) error
	EndAudio(contextID string) error
	Stop() error
	Disconnect() error
}

var _ Conn = &realtime.Client{}

// Config is what a session needs to know about the conversation it drives.
type Config struct {
	// ContextID scopes questions on the server (the course id).
	ContextID string
	// ConversationID keys published events and persisted turns. Generated when empty.
	ConversationID string
	Connection     realtime.Config
	// History is the already fetched transcript the session starts from.
	History []transcript.Turn

	CaptureOptions []capture.Option
}

type Option func(*Session)

// WithPublisher publishes turn and status snapshots on the bus.
func WithPublisher(p message.Publisher) Option {
	return func(s *Session) { s.publisher = p }
}

// WithOnError registers a callback for errors the session handled on its own:
// server errors, capture failures and lost connections. It runs on the loop.
func WithOnError(fn func(err error)) Option {
	return func(s *Session) { s.onError = fn }
}

// WithOutboxSize sets how many bus messages may wait for the publisher.
func WithOutboxSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.outboxSize = n
		}
	}
}

// Session wires the connection, capture pipeline, transcript and playback queue
// together. All of its state lives on one event loop; exported commands are safe
// to call from any goroutine except the loop's own.
type Session struct {
	cfg  Config
	conn Conn
	loop *eventloop.Loop

	store    *transcript.Store
	pipeline *capture.Pipeline
	queue    *playback.Queue
	rec      reconciler

	processing bool
	speaking   bool
	connected  bool
	lastStatus Status
	tornDown   bool

	publisher  message.Publisher
	outboxSize int
	outbox     *outbox
	onError    func(err error)

	teardownOnce sync.Once
}

func New(cfg Config, conn Conn, device capture.Device, decoder playback.Decoder, opts ...Option) (*Session, error) {
	if conn == nil {
		return nil, errors.New("session: connection is nil")
	}
	if strings.TrimSpace(cfg.ContextID) == "" {
		return nil, errors.New("session: context id is required")
	}
	if cfg.ConversationID == "" {
		cfg.ConversationID = uuid.NewString()
	}

	s := &Session{
		cfg:        cfg,
		conn:       conn,
		loop:       eventloop.New("session-" + cfg.ConversationID),
		store:      transcript.NewStore(),
		outboxSize: 256,
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.store.Load(cfg.History); err != nil {
		return nil, err
	}

	captureOpts := append([]capture.Option{capture.WithOnFinished(s.onCaptureFinished)}, cfg.CaptureOptions...)
	pipeline, err := capture.NewPipeline(device, conn, s.loop, captureOpts...)
	if err != nil {
		return nil, err
	}
	s.pipeline = pipeline

	queue, err := playback.NewQueue(decoder, s.loop,
		playback.WithReveal(func(text string) { s.store.MergeChunkText(text) }),
		playback.WithOnDrained(s.onQueueDrained),
		playback.WithOnStateChange(func(playing bool) {
			if playing {
				s.speaking = true
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	s.queue = queue

	if s.publisher != nil {
		s.outbox = newOutbox(s.publisher, s.outboxSize)
	}
	return s, nil
}

func (s *Session) ConversationID() string { return s.cfg.ConversationID }
func (s *Session) ContextID() string      { return s.cfg.ContextID }

// Start runs the event loop, installs the event handlers and connects.
func (s *Session) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("session: nil session")
	}
	if err := s.loop.Start(context.Background()); err != nil {
		return errors.Wrap(err, "session: start event loop")
	}
	s.conn.SetHandlers(s.handlers())
	if err := s.conn.Connect(ctx, s.cfg.Connection); err != nil {
		return errors.Wrap(err, "session: connect")
	}
	return s.loop.Call(ctx, func() {
		s.connected = s.conn.Connected()
		s.publishChanges("")
	})
}

// handlers routes every inbound event through the session onto its loop.
func (s *Session) handlers() realtime.Handlers {
	return realtime.Handlers{
		OnConnect: func(string) {
			s.loop.Post(func() {
				s.connected = true
				s.publishChanges("")
			})
		},
		OnDisconnect: func(err error) {
			s.loop.Post(func() { s.handleDisconnect(err) })
		},
		OnToken: func(fragment string) {
			s.loop.Post(func() { s.handleToken(fragment) })
		},
		OnDone: func(p realtime.DonePayload) {
			s.loop.Post(func() { s.handleDone(p.FullAnswer) })
		},
		OnUserTranscript: func(text string) {
			s.loop.Post(func() { s.handleUserTranscript(text) })
		},
		OnAudioChunk: func(p realtime.AudioChunkPayload) {
			s.loop.Post(func() { s.handleAudioChunk(p) })
		},
		OnAudioComplete: func() {
			s.loop.Post(s.handleAudioComplete)
		},
		OnError: func(message string) {
			s.loop.Post(func() { s.failTurn(&ServerError{Message: message}) })
		},
	}
}

// SendText asks a question: it appends the user turn, opens an assistant turn
// showing the thinking placeholder, and sends the question.
func (s *Session) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	return s.do(ctx, func() error {
		if s.busy() {
			return ErrBusy
		}
		if !s.conn.Connected() {
			return errors.Wrap(realtime.ErrNotConnected, "session: send text")
		}
		s.store.AppendUser(text)
		if err := s.beginTurn(); err != nil {
			return err
		}
		if err := s.conn.Ask(s.cfg.ContextID, text); err != nil {
			s.store.OnError(err.Error())
			s.endTurn()
			s.publishChanges(err.Error())
			return err
		}
		s.publishChanges("")
		return nil
	})
}

// StartCapture starts streaming the microphone to the server.
func (s *Session) StartCapture(ctx context.Context) error {
	return s.do(ctx, func() error {
		// A stopped recording still flushing its chunks keeps the microphone.
		if s.busy() || s.pipeline.Listening() {
			return ErrBusy
		}
		if !s.conn.Connected() {
			return errors.Wrap(realtime.ErrNotConnected, "session: start capture")
		}
		err := s.pipeline.Start(ctx, s.cfg.ContextID)
		if err != nil {
			s.reportError(err)
		}
		s.publishChanges(errorText(err))
		return err
	})
}

// StopCapture stops the microphone. The end-of-stream event follows once every
// captured chunk was sent. Stopping twice is harmless.
func (s *Session) StopCapture(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.pipeline.Stop() {
			s.publishChanges("")
		}
		return nil
	})
}

// Interrupt asks the server to stop answering and finalizes the active turn with
// whatever it shows so far.
func (s *Session) Interrupt(ctx context.Context) error {
	return s.do(ctx, func() error {
		if !s.busy() {
			return nil
		}
		err := s.conn.Stop()
		if err != nil {
			log.Warn().Err(err).Str("component", "session").Str("conv_id", s.cfg.ConversationID).Msg("stop request not sent")
		}
		s.queue.Reset()
		s.finalizeTurn("")
		s.rec.abandon()
		s.publishChanges("")
		return err
	})
}

// Snapshot returns the transcript and indicator as of now.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

// Teardown stops capture and playback, terminates an unfinished turn with the
// apology text, disconnects and stops the loop. Later calls do nothing.
func (s *Session) Teardown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var err error
	s.teardownOnce.Do(func() {
		if s.loop.IsRunning() {
			callErr := s.loop.Call(ctx, func() {
				s.tornDown = true
				s.pipeline.Close()
				s.queue.Close()
				if _, ok := s.store.Active(); ok {
					s.store.OnError("session torn down")
				}
				s.endTurn()
				s.connected = false
				s.publishChanges("")
			})
			if callErr != nil && !errors.Is(callErr, eventloop.ErrClosed) {
				err = callErr
			}
		}
		if derr := s.conn.Disconnect(); derr != nil && err == nil {
			err = derr
		}
		s.loop.Stop()
		if s.outbox != nil {
			s.outbox.close(2 * time.Second)
		}
		log.Info().Str("component", "session").Str("conv_id", s.cfg.ConversationID).Msg("session torn down")
	})
	return err
}

// do runs fn on the loop and returns its error.
func (s *Session) do(ctx context.Context, fn func() error) error {
	if s == nil {
		return errors.New("session: nil session")
	}
	var err error
	callErr := s.loop.Call(ctx, func() {
		if s.tornDown {
			err = ErrTornDown
			return
		}
		err = fn()
	})
	if callErr != nil {
		if errors.Is(callErr, eventloop.ErrClosed) {
			return ErrTornDown
		}
		return callErr
	}
	return err
}

func (s *Session) busy() bool {
	_, active := s.store.Active()
	return active || s.processing || s.speaking || !s.queue.Idle()
}

func (s *Session) beginTurn() error {
	if _, err := s.store.BeginAssistantTurn(transcript.ThinkingPlaceholder, true); err != nil {
		return err
	}
	s.rec.begin()
	s.processing = true
	return nil
}

func (s *Session) handleToken(fragment string) {
	if s.store.IngestFragment(fragment) {
		s.publishChanges("")
	}
}

func (s *Session) handleDone(finalText string) {
	s.rec.markPendingDone(finalText)
	s.loop.Post(s.applyDone)
}

func (s *Session) applyDone() {
	if !s.rec.applyDone() {
		return
	}
	if _, ok := s.store.Active(); !ok {
		log.Debug().Str("component", "session").Str("conv_id", s.cfg.ConversationID).Msg("stream done without active turn")
		s.rec.reset()
		if s.processing && s.queue.Idle() {
			s.endTurn()
			s.publishChanges("")
		}
		return
	}
	s.reconcile()
}

func (s *Session) handleUserTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if _, ok := s.store.Active(); ok {
		s.queue.Reset()
		s.finalizeTurn("")
	}
	s.store.AppendUser(text)
	if err := s.beginTurn(); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("could not open assistant turn")
	}
	s.publishChanges("")
}

func (s *Session) handleAudioChunk(p realtime.AudioChunkPayload) {
	if p.Audio == "" {
		log.Warn().Str("component", "session").Str("conv_id", s.cfg.ConversationID).Msg("audio chunk without audio")
		return
	}
	if _, ok := s.store.Active(); !ok {
		// A spoken answer without its transcript only opens a turn while a
		// recorded question is waiting for one.
		if s.rec.abandoned || !s.processing {
			log.Debug().Str("component", "session").Str("conv_id", s.cfg.ConversationID).Msg("audio chunk without active turn dropped")
			return
		}
		if err := s.beginTurn(); err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("could not open assistant turn")
			return
		}
	}
	s.rec.markAudio()
	s.processing = true
	s.queue.Enqueue(playback.Chunk{Audio: p.Audio, Text: p.Text})
	s.publishChanges("")
}

func (s *Session) handleAudioComplete() {
	if _, ok := s.store.Active(); !ok {
		if !s.rec.abandoned && s.processing && s.queue.Idle() {
			s.endTurn()
			s.publishChanges("")
		}
		return
	}
	s.rec.markAudioComplete()
	s.reconcile()
}

func (s *Session) onQueueDrained() {
	s.reconcile()
	s.publishChanges("")
}

func (s *Session) reconcile() {
	if !s.rec.ready(s.queue.Idle()) {
		return
	}
	s.finalizeTurn(s.rec.finalText)
	s.publishChanges("")
}

func (s *Session) finalizeTurn(finalText string) {
	s.store.Finalize(finalText)
	s.endTurn()
}

func (s *Session) endTurn() {
	s.rec.reset()
	s.processing = false
	s.speaking = false
}

// failTurn is the error path: playback stops, the active turn becomes the apology
// and the session is ready for input again.
func (s *Session) failTurn(err error) {
	log.Warn().Err(err).Str("component", "session").Str("conv_id", s.cfg.ConversationID).Msg("turn failed")
	s.queue.Reset()
	s.store.OnError(err.Error())
	s.endTurn()
	s.rec.abandon()
	s.reportError(err)
	s.publishChanges(err.Error())
}

func (s *Session) handleDisconnect(err error) {
	s.connected = false
	if s.busy() {
		msg := "connection lost"
		if err != nil {
			msg = "connection lost: " + err.Error()
		}
		s.failTurn(&ServerError{Message: msg})
		return
	}
	s.publishChanges(errorText(err))
}

func (s *Session) onCaptureFinished(res capture.Result) {
	if res.Err != nil {
		s.reportError(res.Err)
		s.publishChanges(res.Err.Error())
		return
	}
	s.rec.abandoned = false
	s.processing = true
	s.publishChanges("")
}

func (s *Session) reportError(err error) {
	if s.onError != nil && err != nil {
		s.onError(err)
	}
}

func (s *Session) status() Status {
	return Status{
		Processing: s.processing,
		Speaking:   s.speaking,
		Listening:  s.pipeline.Listening(),
		Connected:  s.connected,
	}
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ContextID:      s.cfg.ContextID,
		ConversationID: s.cfg.ConversationID,
		Turns:          s.store.Turns(),
		Status:         s.status(),
	}
}

// publishChanges sends every turn mutated since the last call, then the status
// when it changed or an error is attached.
func (s *Session) publishChanges(errText string) {
	changes := s.store.DrainChanges()
	st := s.status()
	statusChanged := st != s.lastStatus || errText != ""
	s.lastStatus = st
	if s.outbox == nil {
		return
	}
	convID := s.cfg.ConversationID
	for _, c := range changes {
		msg, err := newBusMessage(convID, "turn", TurnEvent{
			ConversationID: convID,
			Index:          c.Index,
			Version:        c.Version,
			Turn:           c.Turn,
		})
		if err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("turn event not published")
			continue
		}
		s.outbox.push(outboxItem{
			topic: TopicTurns,
			msg:   msg,
			key:   "turn:" + strconv.Itoa(c.Index),
			final: !c.Turn.Streaming,
		})
	}
	if !statusChanged {
		return
	}
	msg, err := newBusMessage(convID, "status", StatusEvent{ConversationID: convID, Status: st, Error: errText})
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("status event not published")
		return
	}
	s.outbox.push(outboxItem{topic: TopicStatus, msg: msg, final: true})
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
