package server

import (
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/hlog"
)

func (s *Impl) middleware(next http.Handler) http.Handler {
	h := recoverer(next)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("db", r.URL.Query().Get("db")).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(h)
	h = hlog.RemoteAddrHandler("remote_addr")(h)
	h = hlog.UserAgentHandler("user_agent")(h)
	h = hlog.RequestIDHandler("req_id", "X-Request-Id")(h)
	return hlog.NewHandler(s.logger)(h)
}

// recoverer turns a handler panic into a 500 and keeps the process alive.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(p)
			}
			hlog.FromRequest(r).Error().
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("handler panic")
			writeJSON(w, http.StatusInternalServerError, errorResponse{OK: false, Error: "internal error"})
		}()
		next.ServeHTTP(w, r)
	})
}
