package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/mentor/pkg/capture"
	"github.com/go-go-golems/mentor/pkg/config"
	"github.com/go-go-golems/mentor/pkg/eventbus"
	"github.com/go-go-golems/mentor/pkg/persistence/transcriptstore"
	"github.com/go-go-golems/mentor/pkg/playback"
	"github.com/go-go-golems/mentor/pkg/realtime"
	"github.com/go-go-golems/mentor/pkg/session"
	"github.com/go-go-golems/mentor/pkg/transcript"
	"github.com/go-go-golems/mentor/pkg/ui"
)

const chatHelp = `/mic        start the microphone
/stop       stop the microphone and send the recording
/interrupt  stop the current answer
/status     show the session indicator
/copy       copy the last answer to the clipboard
/quit       leave (Ctrl-D works too)
anything else is sent as a question`

func NewChatCommand() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive mentor session",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(cmd)
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return err
			}
			if err := s.RequireSession(); err != nil {
				if !isatty.IsTerminal(os.Stdin.Fd()) {
					return err
				}
				if s.ContextID, err = askContextID(); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, s, resume, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "Seed the session from the stored conversation (--conversation-id)")
	return cmd
}

func askContextID() (string, error) {
	prompt := &input.UI{
		Writer: os.Stdout,
		Reader: os.Stdin,
	}
	answer, err := prompt.Ask("Course id", &input.Options{
		Required:  true,
		Loop:      true,
		HideOrder: true,
		ValidateFunc: func(answer string) error {
			if strings.TrimSpace(answer) == "" {
				return errors.New("course id cannot be empty")
			}
			return nil
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "read course id")
	}
	return strings.TrimSpace(answer), nil
}

func openStore(path string) (transcriptstore.Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create sqlite directory")
	}
	dsn, err := transcriptstore.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	store, err := transcriptstore.NewSQLiteStore(dsn)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func loadHistory(ctx context.Context, s config.Settings, store transcriptstore.Store, resume bool) ([]transcript.Turn, error) {
	if resume {
		if store == nil || s.ConversationID == "" {
			return nil, errors.New("--resume needs a conversation id and a sqlite path")
		}
		return transcriptstore.LoadHistory(ctx, store, s.ConversationID)
	}
	if s.HistoryFile != "" {
		return transcriptstore.ReadHistoryFile(s.HistoryFile)
	}
	return nil, nil
}

func newDecoder(audio bool) playback.Decoder {
	if !audio {
		return playback.SilentDecoder{}
	}
	d, err := playback.NewFFplayDecoder()
	if err != nil {
		log.Warn().Err(err).Str("component", "chat").Msg("ffplay unavailable, spoken answers are muted")
		return playback.SilentDecoder{}
	}
	return d
}

func runChat(ctx context.Context, s config.Settings, resume bool, in io.Reader, out io.Writer) error {
	if s.ConversationID == "" {
		s.ConversationID = uuid.NewString()
	}
	log.Info().Str("component", "chat").Str("conv_id", s.ConversationID).Str("context_id", s.ContextID).Msg("starting mentor session")

	store, err := openStore(s.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "open transcript store")
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	history, err := loadHistory(ctx, s, store, resume)
	if err != nil {
		return err
	}

	bus, err := eventbus.New(s.Redis)
	if err != nil {
		return errors.Wrap(err, "create event bus")
	}
	defer func() { _ = bus.Close() }()

	printer, err := ui.AddPrettyHandlers(bus, out)
	if err != nil {
		return err
	}
	if store != nil {
		now := time.Now().UnixMilli()
		if err := store.UpsertConversation(ctx, transcriptstore.ConversationRecord{
			ConvID:         s.ConversationID,
			ContextID:      s.ContextID,
			CreatedAtMs:    now,
			LastActivityMs: now,
			Status:         transcriptstore.StatusActive,
		}); err != nil {
			return errors.Wrap(err, "register conversation")
		}
		if err := bus.AddHandler("transcript-persist", session.TopicTurns, ui.StepTranscriptPersistFunc(store, s.ConversationID)); err != nil {
			return err
		}
		if err := bus.AddHandler("conversation-status", session.TopicStatus, ui.StepConversationStatusFunc(store, s.ConversationID, s.ContextID)); err != nil {
			return err
		}
	}

	sess, err := session.New(session.Config{
		ContextID:      s.ContextID,
		ConversationID: s.ConversationID,
		Connection:     realtime.Config{URL: s.ServerURL, Token: s.Token},
		History:        history,
		CaptureOptions: []capture.Option{
			capture.WithInterval(s.CaptureInterval),
			capture.WithDrainDelay(s.DrainDelay),
		},
	},
		realtime.NewClient(),
		capture.NewFFmpegDevice(s.InputDevice),
		newDecoder(s.Audio),
		session.WithPublisher(bus.Publisher()),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return bus.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		select {
		case <-bus.Ready():
		case <-ctx.Done():
			return nil
		}
		printer.PrintHistory(history)
		if err := sess.Start(ctx); err != nil {
			_ = sess.Teardown(context.Background())
			return err
		}
		fmt.Fprintln(out, chatHelp)
		err := repl(ctx, sess, in, out)

		teardownCtx, cancelTeardown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTeardown()
		if terr := sess.Teardown(teardownCtx); terr != nil {
			log.Warn().Err(terr).Str("component", "chat").Msg("teardown")
		}
		return err
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func copyLastAnswer(ctx context.Context, sess *session.Session, out io.Writer) error {
	snap, err := sess.Snapshot(ctx)
	if err != nil {
		return err
	}
	for i := len(snap.Turns) - 1; i >= 0; i-- {
		t := snap.Turns[i]
		if t.Role != transcript.RoleAssistant || t.Streaming || t.Content == "" {
			continue
		}
		if err := clipboard.WriteAll(t.Content); err != nil {
			fmt.Fprintln(out, "could not copy to the clipboard:", err)
			return errors.Wrap(err, "copy to clipboard")
		}
		fmt.Fprintln(out, "copied")
		return nil
	}
	fmt.Fprintln(out, "nothing to copy yet")
	return nil
}

func repl(ctx context.Context, sess *session.Session, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		var err error
		switch line {
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(out, chatHelp)
		case "/mic":
			err = sess.StartCapture(ctx)
		case "/stop":
			err = sess.StopCapture(ctx)
		case "/interrupt":
			err = sess.Interrupt(ctx)
		case "/status":
			var snap session.Snapshot
			snap, err = sess.Snapshot(ctx)
			if err == nil {
				st := snap.Status
				fmt.Fprintf(out, "conversation %s (course %s): %d turns, connected=%t processing=%t speaking=%t listening=%t\n",
					snap.ConversationID, snap.ContextID, len(snap.Turns), st.Connected, st.Processing, st.Speaking, st.Listening)
			}
		case "/copy":
			err = copyLastAnswer(ctx, sess, out)
		default:
			err = sess.SendText(ctx, line)
		}

		switch {
		case err == nil:
		case errors.Is(err, session.ErrBusy):
			fmt.Fprintln(out, "the mentor is still answering, /interrupt to stop it")
		case errors.Is(err, realtime.ErrNotConnected):
			fmt.Fprintln(out, "not connected to the mentor server")
		case errors.Is(err, session.ErrTornDown):
			return nil
		default:
			// Errors are already rendered from the status topic.
			log.Debug().Err(err).Str("component", "chat").Str("input", line).Msg("command failed")
		}
	}
}
