package main

import (
	"errors"
	"io"
	"log"
	"net/http"

	"killswitch/pkg/entitlement"
	"killswitch/pkg/httpx"
	"killswitch/pkg/tts"
)

const (
	providerTTS    = "tts"
	streamChunkLen = 32 << 10
)

func (s *Server) synthesize(w http.ResponseWriter, r *http.Request) {
	var req tts.Request
	if !decodeBody(w, r, &req) {
		return
	}
	audio, err := s.TTS.Synthesize(r.Context(), req)
	if err != nil {
		s.ttsError(w, err)
		return
	}
	w.Header().Set("Content-Type", audio.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio.Data)
}

func (s *Server) synthesizeStream(w http.ResponseWriter, r *http.Request) {
	var req tts.Request
	if !decodeBody(w, r, &req) {
		return
	}
	body, contentType, err := s.TTS.Stream(r.Context(), req)
	if err != nil {
		s.ttsError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkLen)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				log.Printf("control tts stream interrupted: %v", readErr)
			}
			return
		}
	}
}

func (s *Server) ttsError(w http.ResponseWriter, err error) {
	var upErr *tts.UpstreamError
	switch {
	case errors.Is(err, tts.ErrEmptyText), errors.Is(err, tts.ErrNoVoice), errors.Is(err, tts.ErrBadVoice):
		httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidInput, err.Error())
	case errors.Is(err, tts.ErrNotConfigured):
		log.Printf("control tts misconfigured: ELEVENLABS_API_KEY is empty")
		httpx.Error(w, http.StatusServiceUnavailable, httpx.CodeServerMisconfigured, "tts provider not configured")
	case errors.As(err, &upErr):
		s.Metrics.IncUpstreamFailure(providerTTS)
		log.Printf("control tts upstream status=%d body=%q", upErr.Status, upErr.Body)
		httpx.UpstreamError(w, upErr.Status, "tts provider failed")
	default:
		s.Metrics.IncUpstreamFailure(providerTTS)
		log.Printf("control tts request failed: %v", err)
		httpx.UpstreamError(w, 0, "tts provider unreachable")
	}
}

func (s *Server) entitlement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Entitlement.Resolve(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, entitlement.ErrEmptyEmail) {
			httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidInput, err.Error())
			return
		}
		internalServerError(w, "entitlement", err)
		return
	}
	if res.Source == entitlement.SourceFallback {
		s.Metrics.IncUpstreamFailure("entitlement")
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}
