package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/memory"
	"github.com/nidhogg/ris/internal/pipeline"
)

// maxMediaBytes caps uploaded photo and voice payloads.
const maxMediaBytes = 20 << 20

// ContextTranscriptConfidence records the text source's confidence on the
// stored memory.
const ContextTranscriptConfidence = "transcript_confidence"

// Transcript is text recovered from a non-text input.
type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// TextSource turns a photo or voice payload into text (OCR, speech to
// text). Implementations are external services.
type TextSource interface {
	Transcribe(ctx context.Context, contentType string, data []byte) (*Transcript, error)
}

// SetTextSource registers the source used for one input type.
func (h *Handler) SetTextSource(t memory.Type, src TextSource) {
	h.sources[t] = src
}

func (h *Handler) processMedia(w http.ResponseWriter, r *http.Request) {
	t, err := memory.ParseType(chi.URLParam(r, "type"))
	if err != nil || t == memory.TypeTopic {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "media type must be photo or voice"})
		return
	}
	src, ok := h.sources[t]
	if !ok {
		h.writeError(w, fmt.Errorf("%w: no text source for %s", pipeline.ErrUnavailable, t))
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMediaBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
		return
	}
	tr, err := src.Transcribe(r.Context(), r.Header.Get("Content-Type"), data)
	if err != nil {
		h.logger.Warn("text source failed", zap.String("type", string(t)), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "could not extract text"})
		return
	}

	res, err := h.svc.ProcessInteraction(r.Context(), pipeline.Request{
		UserScope: chi.URLParam(r, "scope"),
		Text:      tr.Text,
		InputType: string(t),
		Context: map[string]string{
			ContextTranscriptConfidence: strconv.FormatFloat(tr.Confidence, 'f', 2, 64),
		},
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
