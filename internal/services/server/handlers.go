package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/fgeck/pgdump-relay/internal/services/auth"
	"github.com/fgeck/pgdump-relay/internal/services/postgres"
	"github.com/rs/zerolog/hlog"
)

type healthResponse struct {
	OK         bool     `json:"ok"`
	AllowedDBs []string `json:"allowed_dbs"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (s *Impl) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d := s.gate.Authorize(auth.OriginFromRequest(r), r.Header); !d.Allowed {
		s.deny(w, r, routeHealth, d)
		return
	}

	s.metrics.ObserveRequest(routeHealth, "ok")
	writeJSON(w, http.StatusOK, healthResponse{OK: true, AllowedDBs: s.catalog.Names()})
}

// handleBackup runs authorize, validate, admit and launch. Each step may
// still answer with an error status. Once the first chunk is available the
// status is committed and later failures only end the transfer.
func (s *Impl) handleBackup(w http.ResponseWriter, r *http.Request) {
	origin := auth.OriginFromRequest(r)
	if d := s.gate.Authorize(origin, r.Header); !d.Allowed {
		s.deny(w, r, routeBackup, d)
		return
	}

	db := r.URL.Query().Get("db")
	if d := s.catalog.Validate(db); !d.Allowed {
		s.deny(w, r, routeBackup, d)
		return
	}

	release, d := s.guards.Acquire(db)
	if !d.Allowed {
		s.deny(w, r, routeBackup, d)
		return
	}
	defer release()

	logger := hlog.FromRequest(r).With().Str("database", db).Logger()

	stream, err := s.dumps.Start(r.Context(), s.cfg.Postgres, db)
	if err != nil {
		logger.Error().Err(err).Msg("failed to launch pg_dump")
		s.notify(models.TelegramMessage{
			Database:     db,
			Origin:       origin.String(),
			At:           s.now(),
			ErrorMessage: err.Error(),
			FailedStep:   "launch",
		})
		s.deny(w, r, routeBackup, models.Deny(http.StatusInternalServerError, models.ReasonLaunchFailed))
		return
	}

	s.metrics.DumpStarted()
	committed := false
	defer func() {
		res := stream.Close()
		s.metrics.DumpFinished(res)
		if committed {
			s.reportStreamFailure(origin.String(), res)
		}
	}()

	if err := stream.Prime(r.Context()); err != nil {
		res := stream.Close()
		if res.Outcome == models.DumpAborted {
			logger.Warn().Msg("client went away before the dump produced output")
			return
		}
		if res.Outcome != models.DumpCompleted {
			s.notify(streamMessage(origin.String(), res, s.now()))
			s.deny(w, r, routeBackup, models.Deny(http.StatusInternalServerError, models.ReasonDumpFailed))
			return
		}
		// An empty but successful dump is still a valid artifact.
	}

	filename := postgres.OutputFilename(db, s.now())
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", contentDisposition(filename))
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	committed = true
	s.metrics.ObserveRequest(routeBackup, "ok")

	logger.Info().Str("filename", filename).Msg("streaming dump")

	rc := http.NewResponseController(w)
	flush := func() {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.Debug().Err(err).Msg("flush failed")
		}
	}

	if _, err := stream.Pump(r.Context(), w, flush); err != nil {
		logger.Warn().Err(err).Msg("dump stream ended early")
	}
}

func (s *Impl) handleBackupHead(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodGet)
	s.deny(w, r, routeBackup, models.Deny(http.StatusMethodNotAllowed, models.ReasonMethodNotAllowed))
}

func contentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}

func (s *Impl) reportStreamFailure(origin string, res *models.DumpResult) {
	if res.Outcome != models.DumpStreamError && res.Outcome != models.DumpExitError {
		return
	}
	s.notify(streamMessage(origin, res, s.now()))
}

func streamMessage(origin string, res *models.DumpResult, at time.Time) models.TelegramMessage {
	msg := models.TelegramMessage{
		Database:   res.Database,
		Origin:     origin,
		Outcome:    res.Outcome,
		At:         at,
		Duration:   res.Duration,
		BytesSent:  res.BytesSent,
		ExitCode:   res.ExitCode,
		Stderr:     res.Stderr,
		FailedStep: "stream",
	}
	if res.Error != nil {
		msg.ErrorMessage = res.Error.Error()
	}
	return msg
}

func (s *Impl) deny(w http.ResponseWriter, r *http.Request, route string, d models.Decision) {
	hlog.FromRequest(r).Warn().
		Str("route", route).
		Int("status", d.Status).
		Str("reason", d.Reason).
		Msg("request denied")

	s.metrics.ObserveRequest(route, d.Reason)
	writeJSON(w, d.Status, errorResponse{OK: false, Error: d.Reason})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
