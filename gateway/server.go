package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/99designs/gqlgen/graphql/playground"

	"github.com/Peleke/MindMirror-sub002/platform"
)

// handler assembles the gateway's HTTP surface. Every route sits
// behind the request-ID and CORS middleware.
func (gw *Gateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(gw.cfg.GraphQLPath, gw.withRequestMetrics(gw.serveGraphQL))
	mux.HandleFunc(platform.DefaultHealthPath, gw.serveHealth)
	mux.HandleFunc("/healthcheck", gw.serveHealth)
	if gw.cfg.EnablePlayground {
		mux.Handle("/playground", playground.Handler("Sway Gateway", gw.cfg.GraphQLPath))
	}
	return requestIDMiddleware(gw.corsMiddleware(mux))
}

// serveGraphQL handles one GraphQL request end to end: body limits,
// planning, execution, response relay.
func (gw *Gateway) serveGraphQL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeErrors(w, http.StatusMethodNotAllowed,
			requestErrorf(codeBadRequest, "method %s not allowed, POST GraphQL operations", r.Method))
		return
	}

	g := gw.activeGraph()
	if g == nil {
		writeErrors(w, http.StatusServiceUnavailable,
			requestErrorf(codeUnavailable, "no supergraph is active yet"))
		return
	}

	defer r.Body.Close()

	// Read one byte past the limit so an oversized body is
	// distinguishable from one that exactly fits.
	body, err := io.ReadAll(io.LimitReader(r.Body, gw.cfg.MaxRequestBytes+1))
	if err != nil {
		writeErrors(w, http.StatusBadRequest,
			requestErrorf(codeBadRequest, "failed to read request body"))
		return
	}
	if int64(len(body)) > gw.cfg.MaxRequestBytes {
		writeErrors(w, http.StatusRequestEntityTooLarge,
			requestErrorf(codeBadRequest, "request body exceeds %d bytes", gw.cfg.MaxRequestBytes))
		return
	}

	var req graphQLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrors(w, http.StatusBadRequest,
			requestErrorf(codeBadRequest, "request body is not valid JSON"))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeErrors(w, http.StatusBadRequest,
			requestErrorf(codeBadRequest, "query is required"))
		return
	}
	req.raw = body
	req.header = r.Header

	ctx, cancel := context.WithTimeout(r.Context(), gw.cfg.RequestTimeout)
	defer cancel()

	pl, errs := gw.planner.plan(g, req.Query, req.OperationName)
	if errs != nil {
		// GraphQL-level failures travel in the envelope, not the
		// status line.
		writeErrors(w, http.StatusOK, errs)
		return
	}

	resp := gw.executor.execute(ctx, g, pl, &req)
	w.Header().Set("Content-Type", resp.contentType)
	w.WriteHeader(resp.status)
	_, _ = w.Write(resp.body)
}

// serveHealth reports ready only once a supergraph is active. Load
// balancers route around a gateway that would answer 503 to queries
// anyway.
func (gw *Gateway) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	g := gw.activeGraph()
	if g == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":      "healthy",
		"environment": gw.environment.String(),
		"hash":        g.hash(),
	})
}

func (gw *Gateway) withRequestMetrics(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if gw.metrics != nil {
			gw.metrics.RecordGatewayRequest(strconv.Itoa(rec.status))
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// corsMiddleware applies the configured origin allowlist and answers
// preflight requests.
func (gw *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowed := gw.allowOrigin(origin); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
				if len(gw.cfg.CORS.AllowedHeaders) > 0 {
					w.Header().Set("Access-Control-Allow-Headers",
						strings.Join(gw.cfg.CORS.AllowedHeaders, ", "))
				}
				if gw.cfg.CORS.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(gw.cfg.CORS.MaxAge))
				}
				if allowed != "*" {
					w.Header().Add("Vary", "Origin")
				}
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the Access-Control-Allow-Origin value for an
// origin, empty when it is not allowed.
func (gw *Gateway) allowOrigin(origin string) string {
	for _, allowed := range gw.cfg.CORS.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if allowed == origin {
			return origin
		}
	}
	return ""
}

// requestIDMiddleware stamps every request with an ID for tracing. An
// inbound X-Request-ID passes through to services and the response;
// otherwise one is generated.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		r.Header.Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
