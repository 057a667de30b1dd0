package capture

import (
	"context"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FFmpegDevice captures the default input with ffmpeg and encodes it as
// WebM/Opus on stdout.
type FFmpegDevice struct {
	Binary string
	// Input overrides the platform input device (pulse "default" or avfoundation ":0").
	Input string
	GOOS  string
}

var _ Device = &FFmpegDevice{}

func NewFFmpegDevice(input string) *FFmpegDevice {
	return &FFmpegDevice{Binary: "ffmpeg", Input: input, GOOS: runtime.GOOS}
}

func (d *FFmpegDevice) Acquire(ctx context.Context) (Recorder, error) {
	if d == nil {
		return nil, errors.New("ffmpeg device is nil")
	}
	bin := d.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, errors.New("ffmpeg is required for microphone capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := FFmpegArgs(d.GOOS, d.Input)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open ffmpeg stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open ffmpeg stdout")
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start ffmpeg")
	}
	if ctx != nil && ctx.Err() != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, ctx.Err()
	}
	return &ffmpegRecorder{cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan struct{})}, nil
}

// FFmpegArgs returns the capture arguments for the platform.
func FFmpegArgs(goos string, input string) ([]string, error) {
	var source []string
	switch goos {
	case "linux":
		if input == "" {
			input = "default"
		}
		source = []string{"-f", "pulse", "-i", input}
	case "darwin":
		if input == "" {
			input = ":0"
		}
		source = []string{"-f", "avfoundation", "-i", input}
	default:
		return nil, errors.Errorf("microphone capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-nostats"}
	args = append(args, source...)
	args = append(args,
		"-ac", "1", "-ar", "48000",
		"-c:a", "libopus", "-b:a", "32k",
		"-f", "webm", "-",
	)
	return args, nil
}

type ffmpegRecorder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	stopRequested atomic.Bool
	stopOnce      sync.Once
	releaseOnce   sync.Once
	startOnce     sync.Once
	started       bool
	done          chan struct{}
}

func (r *ffmpegRecorder) Start(interval time.Duration, onData func([]byte), onStopped func(error)) error {
	err := errors.New("recorder already started")
	r.startOnce.Do(func() {
		err = nil
		r.started = true
		go func() {
			defer close(r.done)
			pumpErr := Pump(r.stdout, interval, onData)
			waitErr := r.cmd.Wait()
			if pumpErr == nil && !r.stopRequested.Load() {
				pumpErr = waitErr
			}
			onStopped(pumpErr)
		}()
	})
	return err
}

// Stop asks ffmpeg to quit gracefully so it finalizes the container.
func (r *ffmpegRecorder) Stop() {
	r.stopOnce.Do(func() {
		r.stopRequested.Store(true)
		if _, err := io.WriteString(r.stdin, "q"); err != nil {
			log.Debug().Err(err).Str("component", "capture").Msg("ffmpeg quit request failed")
		}
		_ = r.stdin.Close()
	})
}

func (r *ffmpegRecorder) Release() error {
	r.releaseOnce.Do(func() {
		r.Stop()
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		if r.started {
			<-r.done
			return
		}
		_ = r.cmd.Wait()
	})
	return nil
}

// Pump reads an encoded stream and delivers what accumulated every interval,
// in order, then whatever is left once the stream ends. Only read failures are
// returned.
func Pump(src io.Reader, interval time.Duration, onData func([]byte)) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	type readResult struct {
		data []byte
		err  error
	}
	reads := make(chan readResult, 16)
	go func() {
		defer close(reads)
		buf := make([]byte, 32*1024)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				reads <- readResult{data: append([]byte(nil), buf[:n]...)}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					reads <- readResult{err: err}
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []byte
	flush := func() {
		if len(pending) == 0 {
			return
		}
		onData(pending)
		pending = nil
	}
	var readErr error
	for {
		select {
		case res, ok := <-reads:
			if !ok {
				flush()
				return readErr
			}
			if res.err != nil {
				readErr = res.err
				continue
			}
			pending = append(pending, res.data...)
		case <-ticker.C:
			flush()
		}
	}
}
