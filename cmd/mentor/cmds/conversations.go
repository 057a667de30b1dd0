package cmds

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/mentor/pkg/config"
	"github.com/go-go-golems/mentor/pkg/persistence/transcriptstore"
	"github.com/go-go-golems/mentor/pkg/transcript"
	"github.com/go-go-golems/mentor/pkg/ui"
)

func openConfiguredStore(cmd *cobra.Command) (transcriptstore.Store, error) {
	s, err := config.Load(cmd)
	if err != nil {
		return nil, err
	}
	store, err := openStore(s.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "open transcript store")
	}
	if store == nil {
		return nil, errors.New("no sqlite path configured")
	}
	return store, nil
}

func NewConversationsCommand() *cobra.Command {
	var limit int
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List stored conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfiguredStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var sinceMs int64
			if since > 0 {
				sinceMs = time.Now().Add(-since).UnixMilli()
			}
			convs, err := store.ListConversations(cmd.Context(), limit, sinceMs)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, c := range convs {
				line := fmt.Sprintf("%s  course=%s  turns=%d  status=%s  last=%s",
					c.ConvID, c.ContextID, c.TurnCount, c.Status,
					time.UnixMilli(c.LastActivityMs).Format(time.RFC3339))
				if c.LastError != "" {
					line += "  error=" + c.LastError
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of conversations")
	cmd.Flags().DurationVar(&since, "since", 0, "Only conversations active within this duration")
	return cmd
}

func NewTranscriptCommand() *cobra.Command {
	var markdown bool
	cmd := &cobra.Command{
		Use:   "transcript <conversation-id>",
		Short: "Print a stored transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfiguredStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			turns, err := transcriptstore.LoadHistory(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				return errors.Errorf("no transcript stored for %s", args[0])
			}
			if markdown {
				for i, t := range turns {
					if t.Role != transcript.RoleAssistant {
						continue
					}
					styled, err := glamour.Render(t.Content, "dark")
					if err != nil {
						return errors.Wrap(err, "render markdown")
					}
					turns[i].Content = "\n" + strings.TrimRight(styled, "\n")
				}
			}
			ui.NewPrinter(cmd.OutOrStdout()).PrintHistory(turns)
			return nil
		},
	}
	cmd.Flags().BoolVar(&markdown, "markdown", false, "Render answers as markdown")
	return cmd
}
