package playback

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
)

// ValidateMPEG checks that raw looks like MPEG audio: either an ID3v2 tag or an
// MPEG frame sync at the start.
func ValidateMPEG(raw []byte) error {
	if len(raw) < 4 {
		return errors.Errorf("audio too short (%d bytes)", len(raw))
	}
	if raw[0] == 'I' && raw[1] == 'D' && raw[2] == '3' {
		return nil
	}
	if raw[0] == 0xFF && raw[1]&0xE0 == 0xE0 {
		return nil
	}
	return errors.Errorf("not MPEG audio (leading bytes % x)", raw[:4])
}

// FFplayDecoder plays chunks through ffplay. Each chunk is written to a temporary
// file that is removed when the clip is released.
type FFplayDecoder struct {
	Binary string
	TmpDir string
}

var _ Decoder = &FFplayDecoder{}

func NewFFplayDecoder() (*FFplayDecoder, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, errors.New("ffplay is required for audio playback (install ffmpeg and ensure ffplay is in PATH)")
	}
	return &FFplayDecoder{Binary: "ffplay"}, nil
}

func (d *FFplayDecoder) Decode(audio []byte) (Clip, error) {
	if err := ValidateMPEG(audio); err != nil {
		return nil, &DecodeError{Err: err}
	}
	f, err := os.CreateTemp(d.TmpDir, "mentor-chunk-*.mp3")
	if err != nil {
		return nil, errors.Wrap(err, "create chunk file")
	}
	if _, err := f.Write(audio); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, errors.Wrap(err, "write chunk file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, errors.Wrap(err, "close chunk file")
	}
	bin := d.Binary
	if bin == "" {
		bin = "ffplay"
	}
	return &fileClip{binary: bin, path: f.Name()}, nil
}

type fileClip struct {
	binary string
	path   string
	once   sync.Once
}

func (c *fileClip) Play(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.binary, "-nodisp", "-autoexit", "-loglevel", "error", c.path)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "ffplay")
	}
	return nil
}

func (c *fileClip) Release() error {
	var err error
	c.once.Do(func() {
		if rerr := os.Remove(c.path); rerr != nil && !os.IsNotExist(rerr) {
			err = errors.Wrap(rerr, "remove chunk file")
		}
	})
	return err
}

// SilentDecoder validates chunks but plays nothing. It backs --no-audio and tests.
type SilentDecoder struct{}

var _ Decoder = SilentDecoder{}

func (SilentDecoder) Decode(audio []byte) (Clip, error) {
	if err := ValidateMPEG(audio); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return silentClip{}, nil
}

type silentClip struct{}

func (silentClip) Play(ctx context.Context) error { return ctx.Err() }
func (silentClip) Release() error                 { return nil }
