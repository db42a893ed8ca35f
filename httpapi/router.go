package httpapi

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/magiclink"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	maxBodyBytes    = 4 << 10
	requestIDHeader = "X-Request-ID"
)

// Options tunes the router.
type Options struct {
	Logger *slog.Logger
	// TrustForwardedFor takes the client IP from the first X-Forwarded-For
	// entry. Enable only behind a proxy that sets the header.
	TrustForwardedFor bool
}

type handler struct {
	engine   *magiclink.Engine
	validate *validator.Validate
	logger   *slog.Logger
	opts     Options
}

// NewRouter returns a router serving the magic-link endpoints.
func NewRouter(engine *magiclink.Engine, opts Options) *mux.Router {
	r := mux.NewRouter()
	Register(r, engine, opts)
	return r
}

// Register mounts the magic-link endpoints on r.
func Register(r *mux.Router, engine *magiclink.Engine, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &handler{
		engine:   engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "httpapi"),
		opts:     opts,
	}

	s := r.PathPrefix("/auth/magic-link").Subrouter()
	s.Use(h.requestContext)
	s.HandleFunc("/send", h.send).Methods(http.MethodPost)
	s.HandleFunc("/verify", h.verify).Methods(http.MethodPost)
	s.HandleFunc("/health", h.health).Methods(http.MethodGet)
}

// requestContext attaches client IP, user agent and request id to the
// request context for the engine.
func (h *handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)

		ctx := r.Context()
		ctx = magiclink.WithClientIP(ctx, h.clientIP(r))
		ctx = magiclink.WithUserAgent(ctx, r.UserAgent())
		ctx = magiclink.WithRequestID(ctx, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *handler) clientIP(r *http.Request) string {
	if h.opts.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
