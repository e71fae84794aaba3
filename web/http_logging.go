// ABOUTME: Request logging middleware for the control API in the same key=value log.Printf style as the pipeline.
// ABOUTME: Wraps responses with chi's WrapResponseWriter and tags each line with the run or project it touched.
package web

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// quietPaths are polled by health checks and scrapers and not logged.
var quietPaths = map[string]bool{"/healthz": true, "/metrics": true}

// requestLogger logs one line per request after the handler returns.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if quietPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		var target strings.Builder
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if id := rc.URLParam("runID"); id != "" {
				target.WriteString(" run=" + id)
			}
			if id := rc.URLParam("projectID"); id != "" {
				target.WriteString(" project=" + id)
			}
		}
		log.Printf("component=web action=request method=%s path=%s status=%d bytes=%d duration=%s req_id=%s%s",
			r.Method, r.URL.Path, code, ww.BytesWritten(),
			time.Since(began).Round(time.Microsecond), middleware.GetReqID(r.Context()), target.String())
	})
}
