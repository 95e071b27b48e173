package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/engine"
	"github.com/conorfennell/ankistore/internal/sources"
)

func (s *Server) handleGetDecks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respondJSON(w, http.StatusOK, s.engine.GetAllDecks())
	}
}

type deckRequest struct {
	Name   string `json:"name"`
	ConfID int64  `json:"conf"`
}

func (s *Server) handlePostDeck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deckRequest
		if !s.decode(w, r, &req) {
			return
		}
		deck, err := s.engine.AddDeck(domain.Deck{Name: req.Name, ConfID: req.ConfID})
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, deck)
	}
}

func (s *Server) handleGetStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deckID, ok := s.deckParam(w, r)
		if !ok {
			return
		}
		stats, err := s.engine.GetStats(deckID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, stats)
	}
}

// handleGetNextReview returns the card to study now together with the one
// that would follow it. Card is null when nothing is due.
func (s *Server) handleGetNextReview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deckID, ok := s.deckParam(w, r)
		if !ok {
			return
		}
		next, err := s.engine.GetNextWithPeek(deckID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, next)
	}
}

type answerRequest struct {
	Ease       int   `json:"ease"`
	ResponseMs int64 `json:"responseMs"`
}

type answerResponse struct {
	Card   domain.Card   `json:"card"`
	Revlog domain.Revlog `json:"revlog"`
}

func (s *Server) handlePostReview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cardID, err := strconv.ParseInt(chi.URLParam(r, "cardID"), 10, 64)
		if err != nil {
			s.respondError(w, r, domain.NewValidation("cardID", chi.URLParam(r, "cardID"), "not an integer"))
			return
		}
		var req answerRequest
		if !s.decode(w, r, &req) {
			return
		}
		card, rev, err := s.engine.Answer(cardID, req.Ease, req.ResponseMs)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, answerResponse{Card: card, Revlog: rev})
	}
}

type noteResponse struct {
	Note  domain.Note   `json:"note"`
	Cards []domain.Card `json:"cards"`
}

func (s *Server) handlePostNote() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engine.NewNote
		if !s.decode(w, r, &req) {
			return
		}
		note, cards, err := s.engine.CreateNote(req)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, noteResponse{Note: note, Cards: cards})
	}
}

// handlePostImport stores the uploaded "file" part in a temporary file and
// imports it.
func (s *Server) handlePostImport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, _, err := r.FormFile("file")
		if err != nil {
			s.respondError(w, r, domain.NewValidation("file", nil, err.Error()))
			return
		}
		defer file.Close()

		tmp, err := os.CreateTemp("", "upload-*.apkg")
		if err != nil {
			s.respondError(w, r, fmt.Errorf("failed to create upload file: %w", err))
			return
		}
		defer os.Remove(tmp.Name())
		_, err = io.Copy(tmp, file)
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			s.respondError(w, r, fmt.Errorf("failed to store upload: %w", err))
			return
		}

		res, err := s.engine.ImportPackage(r.Context(), tmp.Name())
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, res)
	}
}

type mediaRequest struct {
	Filename string `json:"filename"`
}

func (s *Server) handleRegisterMedia() http.HandlerFunc {
	return s.mediaHandler(s.engine.RegisterExistingMedia)
}

func (s *Server) handleReleaseMedia() http.HandlerFunc {
	return s.mediaHandler(s.engine.ReleaseMedia)
}

func (s *Server) mediaHandler(op func(string) (domain.MediaEntry, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mediaRequest
		if !s.decode(w, r, &req) {
			return
		}
		entry, err := op(req.Filename)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, entry)
	}
}

func (s *Server) handleMediaGC() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := s.engine.GC()
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if removed == nil {
			removed = []string{}
		}
		s.respondJSON(w, http.StatusOK, map[string][]string{"removed": removed})
	}
}

// handlePostSync triggers a sync of the configured sources in the foreground.
func (s *Server) handlePostSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := sources.Sync(r.Context(), s.engine, s.opts.Sources, s.opts.ReposDir, s.logger)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, rep)
	}
}

func (s *Server) handlePostSave() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.engine.Save(r.Context()); err != nil {
			s.respondError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// deckParam reads the optional "deck" query parameter. Zero means every deck.
func (s *Server) deckParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("deck")
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.respondError(w, r, domain.NewValidation("deck", raw, "not an integer"))
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, r, domain.NewValidation("body", nil, err.Error()))
		return false
	}
	return true
}
