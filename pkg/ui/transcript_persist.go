package ui

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/mentor/pkg/eventbus"
	"github.com/go-go-golems/mentor/pkg/persistence/transcriptstore"
	"github.com/go-go-golems/mentor/pkg/session"
)

// persistContext returns the message context, or a short detached one when the
// message context is already canceled during shutdown.
func persistContext(msg *message.Message) (context.Context, context.CancelFunc) {
	ctx := msg.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		// During shutdown, Watermill message contexts can be canceled before the queue drains.
		// Use a short detached context so final upserts can still land without log spam.
		return context.WithTimeout(context.Background(), 250*time.Millisecond)
	}
	return ctx, func() {}
}

// StepTranscriptPersistFunc stores turn snapshots from the turns topic into the configured Store.
// Persistence is best-effort: serialization/storage errors are logged but do not fail the session.
func StepTranscriptPersistFunc(store transcriptstore.Store, convID string) eventbus.HandlerFunc {
	return func(msg *message.Message) error {
		msg.Ack()

		ev, err := session.DecodeTurnEvent(msg)
		if err != nil {
			log.Warn().Err(err).Str("component", "transcript_persist").Msg("failed to decode turn event")
			return nil
		}
		if store == nil || strings.TrimSpace(convID) == "" || ev.ConversationID != convID {
			return nil
		}
		if strings.TrimSpace(ev.Turn.ID) == "" || ev.Version == 0 {
			return nil
		}

		ctx, cancel := persistContext(msg)
		defer cancel()

		rec := transcriptstore.FromTurn(convID, ev.Index, ev.Turn)
		if err := store.Upsert(ctx, convID, ev.Version, rec); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Warn().Err(err).
				Str("component", "transcript_persist").
				Str("conv_id", convID).
				Str("turn_id", ev.Turn.ID).
				Str("role", string(ev.Turn.Role)).
				Msg("transcript upsert failed")
		}
		return nil
	}
}

// StepConversationStatusFunc keeps the conversation record current from status
// events: the context id, the last activity and the last reported error.
func StepConversationStatusFunc(store transcriptstore.Store, convID, contextID string) eventbus.HandlerFunc {
	return func(msg *message.Message) error {
		msg.Ack()

		ev, err := session.DecodeStatusEvent(msg)
		if err != nil {
			log.Warn().Err(err).Str("component", "transcript_persist").Msg("failed to decode status event")
			return nil
		}
		if store == nil || strings.TrimSpace(convID) == "" || ev.ConversationID != convID {
			return nil
		}

		ctx, cancel := persistContext(msg)
		defer cancel()

		record := transcriptstore.ConversationRecord{
			ConvID:         convID,
			ContextID:      contextID,
			LastActivityMs: time.Now().UnixMilli(),
			LastError:      ev.Error,
		}
		if !ev.Status.Connected && ev.Error == "" {
			record.Status = transcriptstore.StatusClosed
		} else if ev.Status.Connected {
			record.Status = transcriptstore.StatusActive
		}
		if err := store.UpsertConversation(ctx, record); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Warn().Err(err).Str("component", "transcript_persist").Str("conv_id", convID).Msg("conversation upsert failed")
		}
		return nil
	}
}
