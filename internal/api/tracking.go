package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/outbound"
	"github.com/monkeysmail/platform/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// handleOpen records an open and always serves the pixel: a broken or
// stale token must not render a broken image in the recipient's client.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token != "" && s.events != nil {
		if err := s.events.RecordByToken(r.Context(), token, domain.EventOpened); err != nil {
			logger.Debug("open tracking failed", "error", err.Error())
		}
	}
	s.servePixel(w)
}

func (s *Server) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

// handleClick records the click and redirects to the original target. An
// undecodable target is a bad link; an unknown token still redirects so
// the recipient is not stranded.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	target, err := outbound.DecodeClickURL(r.URL.Query().Get("u"))
	if err != nil || !safeRedirect(target) {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	if token != "" && s.events != nil {
		if err := s.events.RecordByToken(r.Context(), token, domain.EventClicked); err != nil {
			logger.Debug("click tracking failed", "error", err.Error())
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// safeRedirect only allows absolute http(s) targets.
func safeRedirect(target string) bool {
	return len(target) > 8 &&
		(target[:7] == "http://" || target[:8] == "https://")
}
