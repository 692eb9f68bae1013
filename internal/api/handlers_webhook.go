package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/org/msgarchive/internal/archive"
	"github.com/org/msgarchive/internal/crypto"
	"github.com/org/msgarchive/internal/telegram"
	"github.com/rs/zerolog/log"
)

const internalError = "Internal server error"

// WebhookHandler handles POST /webhook/{secret}. A wrong secret gets a 500
// like any other failure so probing cannot tell the endpoint exists.
func (s *Server) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	secret := chi.URLParam(r, "secret")
	if s.cfg.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.WebhookSecret)) != 1 {
		logger.Warn().Msg("webhook called with wrong secret")
		writeError(w, http.StatusInternalServerError, internalError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		logger.Error().Err(err).Msg("reading webhook body")
		writeError(w, http.StatusInternalServerError, internalError)
		return
	}
	update, err := telegram.ParseUpdate(body)
	if err != nil {
		logger.Error().Err(err).Msg("parsing webhook update")
		writeError(w, http.StatusInternalServerError, internalError)
		return
	}
	logger.Info().Int64("update_id", update.UpdateID).Msg("webhook update received")

	if update.Message == nil {
		logger.Debug().Int64("update_id", update.UpdateID).Msg("skipping non-message update")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if err := s.handleMessage(ctx, update.Message); err != nil {
		logger.Error().Err(err).
			Int64("chat_id", update.Message.Chat.ID).
			Int64("message_id", update.Message.MessageID).
			Msg("webhook processing failed")
		writeError(w, http.StatusInternalServerError, internalError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMessage archives the text, if any, and acknowledges in the chat.
func (s *Server) handleMessage(ctx context.Context, m *telegram.Message) error {
	if m.Text != "" {
		req := archive.IngestRequest{
			MessageID: m.MessageID,
			ChatID:    m.Chat.ID,
			ChatTitle: m.Chat.Title,
			Text:      m.Text,
		}
		if m.From != nil {
			req.UserID = m.From.ID
			req.Username = m.From.Username
			req.FirstName = m.From.FirstName
		}
		if _, err := s.ingestWithRetry(ctx, req); err != nil {
			return err
		}
	}

	if _, err := s.sender.SendMessage(ctx, m.Chat.ID, telegram.ReplyText(m), telegram.ParseModeMarkdown); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	log.Ctx(ctx).Info().Int64("chat_id", m.Chat.ID).Int64("message_id", m.MessageID).Msg("reply sent")
	return nil
}

// ingestWithRetry retries Ingest with exponential backoff while the key
// service reports a retryable failure.
func (s *Server) ingestWithRetry(ctx context.Context, req archive.IngestRequest) (string, error) {
	var id string
	op := func() error {
		var err error
		id, err = s.archive.Ingest(ctx, req)
		if err != nil && !crypto.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.RetryInitialInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.RetryAttempts-1)), ctx)

	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		log.Ctx(ctx).Warn().Err(err).
			Int64("message_id", req.MessageID).
			Dur("retry_in", next).
			Msg("ingest failed, retrying")
	})
	return id, err
}
