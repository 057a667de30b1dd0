package session

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/mentor/pkg/capture"
	"github.com/go-go-golems/mentor/pkg/playback"
	"github.com/go-go-golems/mentor/pkg/realtime"
	"github.com/go-go-golems/mentor/pkg/transcript"
)

type fakeConn struct {
	mu          sync.Mutex
	handlers    realtime.Handlers
	connected   bool
	sent        []string
	connects    int
	disconnects int
}

func (c *fakeConn) Connect(context.Context, realtime.Config) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = true
	c.connects++
	h := c.handlers
	c.mu.Unlock()
	if h.OnConnect != nil {
		h.OnConnect("sid-1")
	}
	return nil
}

func (c *fakeConn) SetHandlers(h realtime.Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *fakeConn) h() realtime.Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) record(e string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return realtime.ErrNotConnected
	}
	c.sent = append(c.sent, e)
	return nil
}

func (c *fakeConn) Ask(contextID, question string) error {
	return c.record("ask:" + contextID + ":" + question)
}

func (c *fakeConn) SendAudioChunk(string) error { return c.record("chunk") }

func (c *fakeConn) EndAudio(contextID string) error { return c.record("end:" + contextID) }

func (c *fakeConn) Stop() error { return c.record("stop") }

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		c.disconnects++
	}
	c.connected = false
	return nil
}

func (c *fakeConn) drop() {
	c.mu.Lock()
	c.connected = false
	h := c.handlers
	c.mu.Unlock()
	h.OnDisconnect(errors.New("websocket: close 1006"))
}

func (c *fakeConn) sentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// gateDecoder plays every clip until gate is closed.
type gateDecoder struct {
	gate chan struct{}
}

func (d *gateDecoder) Decode([]byte) (playback.Clip, error) { return gateClip{gate: d.gate}, nil }

type gateClip struct{ gate chan struct{} }

func (c gateClip) Play(ctx context.Context) error {
	if c.gate == nil {
		return nil
	}
	select {
	case <-c.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (gateClip) Release() error { return nil }

type stubRecorder struct {
	mu        sync.Mutex
	onData    func([]byte)
	onStopped func(error)
	// hold delays the stopped callback until closed.
	hold chan struct{}
}

func (r *stubRecorder) Start(_ time.Duration, onData func([]byte), onStopped func(error)) error {
	r.mu.Lock()
	r.onData, r.onStopped = onData, onStopped
	r.mu.Unlock()
	return nil
}

func (r *stubRecorder) Stop() {
	r.mu.Lock()
	onStopped, hold := r.onStopped, r.hold
	r.mu.Unlock()
	go func() {
		if hold != nil {
			<-hold
		}
		onStopped(nil)
	}()
}

func (r *stubRecorder) Release() error { return nil }

type stubDevice struct {
	rec *stubRecorder
	err error
}

func (d *stubDevice) Acquire(context.Context) (capture.Recorder, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.rec, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][]*message.Message
}

func (p *fakePublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = map[string][]*message.Message{}
	}
	p.msgs[topic] = append(p.msgs[topic], msgs...)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) topic(name string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.msgs[name]...)
}

type harness struct {
	s      *Session
	conn   *fakeConn
	dec    *gateDecoder
	device *stubDevice
	pub    *fakePublisher

	errMu  sync.Mutex
	errors []error
}

func newHarness(t *testing.T, history ...transcript.Turn) *harness {
	t.Helper()
	h := &harness{
		conn:   &fakeConn{},
		dec:    &gateDecoder{},
		device: &stubDevice{rec: &stubRecorder{}},
		pub:    &fakePublisher{},
	}
	s, err := New(Config{
		ContextID:      "course-1",
		ConversationID: "conv-1",
		History:        history,
		CaptureOptions: []capture.Option{capture.WithDrainDelay(5 * time.Millisecond)},
	}, h.conn, h.device, h.dec,
		WithPublisher(h.pub),
		WithOnError(func(err error) {
			h.errMu.Lock()
			h.errors = append(h.errors, err)
			h.errMu.Unlock()
		}),
	)
	require.NoError(t, err)
	h.s = s
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Teardown(context.Background()) })
	return h
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.s.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (h *harness) last(t *testing.T) transcript.Turn {
	t.Helper()
	snap := h.snapshot(t)
	require.NotEmpty(t, snap.Turns)
	return snap.Turns[len(snap.Turns)-1]
}

func (h *harness) eventually(t *testing.T, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = h.snapshot(t)
		return cond(snap)
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func (h *harness) reported() []error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return append([]error(nil), h.errors...)
}

func audio(name string) string {
	return base64.StdEncoding.EncodeToString([]byte("ID3" + name))
}

func lastTurn(s Snapshot) transcript.Turn {
	if len(s.Turns) == 0 {
		return transcript.Turn{}
	}
	return s.Turns[len(s.Turns)-1]
}

func TestSession_TextTurnFinalizesOnStreamDone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.s.SendText(ctx, "  what is a goroutine?  "))
	require.Equal(t, []string{"ask:course-1:what is a goroutine?"}, h.conn.sentEvents())

	snap := h.snapshot(t)
	require.Len(t, snap.Turns, 2)
	require.Equal(t, transcript.RoleUser, snap.Turns[0].Role)
	require.Equal(t, transcript.ThinkingPlaceholder, snap.Turns[1].Content)
	require.True(t, snap.Turns[1].Thinking)
	require.True(t, snap.Status.Processing)

	hd := h.conn.h()
	hd.OnToken("AB")
	hd.OnToken("CD")
	hd.OnToken("EF")
	hd.OnDone(realtime.DonePayload{})

	snap = h.eventually(t, func(s Snapshot) bool { return !s.Status.Processing })
	turn := lastTurn(snap)
	require.Equal(t, "ABCDEF", turn.Content)
	require.False(t, turn.Streaming)
	require.False(t, turn.Thinking)

	// Fragments after completion are ignored.
	hd.OnToken("late")
	require.Equal(t, "ABCDEF", h.last(t).Content)
}

func TestSession_StreamDoneFinalTextReplacesContent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.SendText(context.Background(), "q"))
	hd := h.conn.h()
	hd.OnToken("draft   text")
	hd.OnDone(realtime.DonePayload{FullAnswer: "Final **answer**"})

	snap := h.eventually(t, func(s Snapshot) bool { return !lastTurn(s).Streaming })
	require.Equal(t, "Final **answer**", lastTurn(snap).Content)
}

func TestSession_AudioTurnWaitsForAudioComplete(t *testing.T) {
	h := newHarness(t)
	h.dec.gate = make(chan struct{})
	hd := h.conn.h()

	hd.OnUserTranscript("say hello")
	snap := h.eventually(t, func(s Snapshot) bool { return len(s.Turns) == 2 })
	require.Equal(t, "say hello", snap.Turns[0].Content)
	require.True(t, snap.Turns[1].Thinking)
	require.True(t, snap.Status.Processing)

	hd.OnAudioChunk(realtime.AudioChunkPayload{Audio: audio("a1"), Text: "Hello "})
	hd.OnAudioChunk(realtime.AudioChunkPayload{Audio: audio("a2"), Text: "world"})

	snap = h.eventually(t, func(s Snapshot) bool { return lastTurn(s).Content == "Hello " })
	require.True(t, snap.Status.Speaking)
	require.False(t, lastTurn(snap).Thinking)

	close(h.dec.gate)
	snap = h.eventually(t, func(s Snapshot) bool { return lastTurn(s).Content == "Hello world" })
	// Drained, but the server has not said it is done sending audio.
	time.Sleep(30 * time.Millisecond)
	snap = h.snapshot(t)
	require.True(t, lastTurn(snap).Streaming)
	require.True(t, snap.Status.Processing)

	hd.OnAudioComplete()
	snap = h.eventually(t, func(s Snapshot) bool { return !s.Status.Processing })
	require.Equal(t, "Hello world", lastTurn(snap).Content)
	require.False(t, lastTurn(snap).Streaming)
	require.False(t, snap.Status.Speaking)
}

func TestSession_AudioCompleteBeforeDrainDefersFinalization(t *testing.T) {
	h := newHarness(t)
	h.dec.gate = make(chan struct{})
	hd := h.conn.h()

	hd.OnUserTranscript("question")
	hd.OnAudioChunk(realtime.AudioChunkPayload{Audio: audio("a1"), Text: "One."})
	hd.OnAudioChunk(realtime.AudioChunkPayload{Audio: audio("a2"), Text: " Two."})
	hd.OnAudioComplete()

	time.Sleep(30 * time.Millisecond)
	snap := h.snapshot(t)
	require.True(t, snap.Status.Processing)
	require.True(t, lastTurn(snap).Streaming)
	require.Equal(t, "One.", lastTurn(snap).Content)

	close(h.dec.gate)
	snap = h.eventually(t, func(s Snapshot) bool { return !s.Status.Processing })
	require.Equal(t, "One. Two.", lastTurn(snap).Content)
	require.False(t, lastTurn(snap).Streaming)
}

func TestSession_StreamDoneDoesNotEndAudioTurn(t *testing.T) {
	h := newHarness(t)
	h.dec.gate = make(chan struct{})
	hd := h.conn.h()

	hd.OnUserTranscript("question")
	hd.OnAudioChunk(realtime.AudioChunkPayload{Audio: audio("a1"), Text: "Spoken"})
	hd.OnDone(realtime.DonePayload{})
	close(h.dec.gate)

	time.Sleep(50 * time.Millisecond)
	require.True(t, h.snapshot(t).Status.Processing)

	hd.OnAudioComplete()
	h.eventually(t, func(s Snapshot) bool { return !s.Status.Processing && !lastTurn(s).Streaming })
}

func TestSession_ServerErrorMidStream(t *testing.T) {
	h := newHarness(t)
	h.dec.gate = make(chan struct{})
	require.NoError(t, h.s.SendText(context.Background(), "q"))
	hd := h.conn.h()
	hd.OnToken("partial ans")
	hd.OnAudioChunk(realtime.AudioChunkPayload{Audio: audio("a1"), Text: "wer"})
	hd.OnError("model overloaded")

	snap := h.eventually(t, func(s Snapshot) bool { return !s.Status.Processing })
	turn := lastTurn(snap)
	require.Equal(t, transcript.ApologyText, turn.Content)
	require.False(t, turn.Streaming)
	require.False(t, snap.Status.Speaking)

	errs := h.reported()
	require.Len(t, errs, 1)
	var se *ServerError
	require.ErrorAs(t, errs[0], &se)
	require.Equal(t, "model overloaded", se.Message)

	// The session accepts input again.
	require.NoError(t, h.s.SendText(context.Background(), "again"))
}

func TestSession_SendTextRequiresIdleAndConnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.ErrorIs(t, h.s.SendText(ctx, "   "), ErrEmptyText)
	require.NoError(t, h.s.SendText(ctx, "first"))
	require.ErrorIs(t, h.s.SendText(ctx, "second"), ErrBusy)

	h.conn.h().OnDone(realtime.DonePayload{FullAnswer: "ok"})
	h.eventually(t, func(s Snapshot) bool { return !s.Status.Processing })

	require.NoError(t, h.conn.Disconnect())
	err := h.s.SendText(ctx, "third")
	require.ErrorIs(t, err, realtime.ErrNotConnected)
	require.Len(t, h.snapshot(t).Turns, 2)
}

func TestSession_DisconnectMidTurnTakesErrorPath(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.SendText(context.Background(), "q"))
	h.conn.h().OnToken("half")
	h.conn.drop()

	snap := h.eventually(t, func(s Snapshot) bool { return !s.Status.Processing })
	require.Equal(t, transcript.ApologyText, lastTurn(snap).Content)
	require.False(t, snap.Status.Connected)
	require.Len(t, h.reported(), 1)
}

func TestSession_InterruptKeepsContentSoFar(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.SendText(context.Background(), "q"))
	hd := h.conn.h()
	hd.OnToken("Half  an")
	h.eventually(t, func(s Snapshot) bool { return lastTurn(s).Content == "Half  an" })

	require.NoError(t, h.s.Interrupt(context.Background()))
	snap := h.snapshot(t)
	require.Equal(t, "Half an", lastTurn(snap).Content)
	require.False(t, lastTurn(snap).Streaming)
	require.False(t, snap.Status.Processing)
	require.Equal(t, "stop", h.conn.sentEvents()[1])

	hd.OnToken(" answer")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, "Half an", h.last(t).Content)

	// Nothing to interrupt.
	require.NoError(t, h.s.Interrupt(context.Background()))
	require.Len(t, h.conn.sentEvents(), 2)
}

func TestSession_CaptureFlushSetsProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.s.StartCapture(ctx))
	require.True(t, h.snapshot(t).Status.Listening)

	rec := h.device.rec
	rec.mu.Lock()
	onData := rec.onData
	rec.mu.Unlock()
	onData([]byte("webm-1"))
	onData([]byte("webm-2"))

	require.NoError(t, h.s.StopCapture(ctx))
	require.NoError(t, h.s.StopCapture(ctx))
	snap := h.eventually(t, func(s Snapshot) bool { return s.Status.Processing && !s.Status.Listening })
	require.Len(t, snap.Turns, 0)
	require.Equal(t, []string{"chunk", "chunk", "end:course-1"}, h.conn.sentEvents())

	h.conn.h().OnUserTranscript("spoken question")
	h.conn.h().OnToken("answer")
	h.conn.h().OnDone(realtime.DonePayload{})
	snap = h.eventually(t, func(s Snapshot) bool { return !s.Status.Processing })
	require.Equal(t, "answer", lastTurn(snap).Content)
}

func TestSession_CaptureFailureLeavesSessionIdle(t *testing.T) {
	h := newHarness(t)
	h.device.err = errors.New("no such device")

	err := h.s.StartCapture(context.Background())
	var ce *capture.CaptureError
	require.ErrorAs(t, err, &ce)
	snap := h.snapshot(t)
	require.False(t, snap.Status.Listening)
	require.False(t, snap.Status.Processing)
	require.Len(t, h.reported(), 1)
}

func TestSession_TeardownTerminatesActiveTurn(t *testing.T) {
	h := newHarness(t, transcript.Turn{Role: "user", Content: "earlier"}, transcript.Turn{Role: "assistant", Content: "reply"})
	ctx := context.Background()
	require.NoError(t, h.s.SendText(ctx, "q"))
	h.conn.h().OnToken("streaming...")
	h.eventually(t, func(s Snapshot) bool { return lastTurn(s).Content == "streaming..." })

	require.NoError(t, h.s.Teardown(ctx))
	require.NoError(t, h.s.Teardown(ctx))
	require.Equal(t, 1, h.conn.disconnects)

	_, err := h.s.Snapshot(ctx)
	require.ErrorIs(t, err, ErrTornDown)
	require.ErrorIs(t, h.s.SendText(ctx, "after"), ErrTornDown)

	var final TurnEvent
	for _, msg := range h.pub.topic(TopicTurns) {
		ev, err := DecodeTurnEvent(msg)
		require.NoError(t, err)
		if ev.Index == 3 {
			final = ev
		}
	}
	require.Equal(t, transcript.ApologyText, final.Turn.Content)
	require.False(t, final.Turn.Streaming)
}

func TestSession_PublishesTurnAndStatusEvents(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.SendText(context.Background(), "hi"))
	hd := h.conn.h()
	hd.OnToken("hello")
	hd.OnDone(realtime.DonePayload{})
	h.eventually(t, func(s Snapshot) bool { return !s.Status.Processing })

	require.Eventually(t, func() bool {
		for _, msg := range h.pub.topic(TopicTurns) {
			ev, err := DecodeTurnEvent(msg)
			if err == nil && ev.Index == 1 && !ev.Turn.Streaming && ev.Turn.Content == "hello" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	turns := h.pub.topic(TopicTurns)
	require.Equal(t, "conv-1", turns[0].Metadata.Get("conversation_id"))
	var versions []uint64
	for _, msg := range turns {
		ev, err := DecodeTurnEvent(msg)
		require.NoError(t, err)
		versions = append(versions, ev.Version)
	}
	for i := 1; i < len(versions); i++ {
		require.GreaterOrEqual(t, versions[i], versions[i-1])
	}

	var processing []bool
	require.Eventually(t, func() bool {
		processing = processing[:0]
		for _, msg := range h.pub.topic(TopicStatus) {
			ev, err := DecodeStatusEvent(msg)
			require.NoError(t, err)
			processing = append(processing, ev.Status.Processing)
		}
		return len(processing) > 0 && !processing[len(processing)-1]
	}, time.Second, 5*time.Millisecond)
	require.Contains(t, processing, true)
}

func TestSession_LateAudioAfterInterruptIsDropped(t *testing.T) {
	h := newHarness(t)
	h.dec.gate = make(chan struct{})
	hd := h.conn.h()

	hd.OnUserTranscript("question")
	hd.OnAudioChunk(realtime.AudioChunkPayload{Audio: audio("a1"), Text: "One."})
	h.eventually(t, func(s Snapshot) bool { return lastTurn(s).Content == "One." })

	require.NoError(t, h.s.Interrupt(context.Background()))
	hd.OnAudioChunk(realtime.AudioChunkPayload{Audio: audio("a2"), Text: " Two."})
	hd.OnAudioComplete()
	time.Sleep(30 * time.Millisecond)

	snap := h.snapshot(t)
	require.Len(t, snap.Turns, 2)
	require.Equal(t, "One.", lastTurn(snap).Content)
	require.False(t, lastTurn(snap).Streaming)
	require.False(t, snap.Status.Processing)
	require.False(t, snap.Status.Speaking)

	// The next question gets its answer normally.
	close(h.dec.gate)
	require.NoError(t, h.s.SendText(context.Background(), "next"))
	hd.OnAudioChunk(realtime.AudioChunkPayload{Audio: audio("a3"), Text: "Fresh"})
	hd.OnAudioComplete()
	snap = h.eventually(t, func(s Snapshot) bool { return !s.Status.Processing })
	require.Len(t, snap.Turns, 4)
	require.Equal(t, "Fresh", lastTurn(snap).Content)
}

func TestSession_LateAudioAfterServerErrorIsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.SendText(context.Background(), "q"))
	hd := h.conn.h()
	hd.OnError("quota exceeded")
	h.eventually(t, func(s Snapshot) bool { return !s.Status.Processing })

	hd.OnAudioChunk(realtime.AudioChunkPayload{Audio: audio("a1"), Text: "stale"})
	hd.OnAudioComplete()
	time.Sleep(30 * time.Millisecond)

	snap := h.snapshot(t)
	require.Len(t, snap.Turns, 2)
	require.Equal(t, transcript.ApologyText, lastTurn(snap).Content)
	require.False(t, snap.Status.Processing)
	require.False(t, snap.Status.Speaking)
	require.NoError(t, h.s.SendText(context.Background(), "again"))
}

func TestSession_AudioWithoutTranscriptAnswersRecordedQuestion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Idle session: stray audio opens nothing.
	h.conn.h().OnAudioChunk(realtime.AudioChunkPayload{Audio: audio("a0"), Text: "stray"})
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, h.snapshot(t).Turns)

	require.NoError(t, h.s.StartCapture(ctx))
	require.NoError(t, h.s.StopCapture(ctx))
	h.eventually(t, func(s Snapshot) bool { return s.Status.Processing && !s.Status.Listening })

	h.conn.h().OnAudioChunk(realtime.AudioChunkPayload{Audio: audio("a1"), Text: "Spoken"})
	h.conn.h().OnAudioComplete()
	snap := h.eventually(t, func(s Snapshot) bool { return !s.Status.Processing })
	require.Len(t, snap.Turns, 1)
	require.Equal(t, "Spoken", lastTurn(snap).Content)
}

func TestSession_StartCaptureWhileFlushingIsBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.device.rec.hold = make(chan struct{})

	require.NoError(t, h.s.StartCapture(ctx))
	h.device.rec.mu.Lock()
	onData := h.device.rec.onData
	h.device.rec.mu.Unlock()
	onData([]byte("webm-1"))

	require.NoError(t, h.s.StopCapture(ctx))
	require.True(t, h.snapshot(t).Status.Listening)
	require.ErrorIs(t, h.s.StartCapture(ctx), ErrBusy)

	close(h.device.rec.hold)
	h.eventually(t, func(s Snapshot) bool { return s.Status.Processing && !s.Status.Listening })
	require.Eventually(t, func() bool {
		ev := h.conn.sentEvents()
		return len(ev) == 2 && ev[0] == "chunk" && ev[1] == "end:course-1"
	}, time.Second, 5*time.Millisecond)
}
