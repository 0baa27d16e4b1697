package server

import (
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
)

type Options struct {
	// AllowedOrigins lists remote screen origins. Empty means same-origin only.
	AllowedOrigins     []string
	RateLimitPerMinute int
	Warnings           func() []string
	Logger             *slog.Logger
}

// Handler builds the screen surface. staticFS may be nil when no web UI is
// bundled.
func Handler(staticFS fs.FS, hub *Hub, store CycleStore, voice VoiceControl, opts Options) (http.Handler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	registerWSRoute(mux, hub, voice, newUpgrader(opts.AllowedOrigins), logger)

	api := http.NewServeMux()
	registerAPIRoutes(api, store, voice, opts)
	mux.Handle("/api/", apiMiddleware(opts)(api))

	if staticFS != nil {
		fileServer := http.FileServer(http.FS(staticFS))
		mux.HandleFunc("/", serveSPA(fileServer))
	}

	return mux, nil
}

func apiMiddleware(opts Options) func(http.Handler) http.Handler {
	var chain []func(http.Handler) http.Handler
	if len(opts.AllowedOrigins) > 0 {
		chain = append(chain, cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Range"},
			ExposedHeaders: []string{"Content-Range", "Accept-Ranges"},
		}))
	}
	if opts.RateLimitPerMinute > 0 {
		chain = append(chain, httprate.LimitByIP(opts.RateLimitPerMinute, time.Minute))
	}

	return func(next http.Handler) http.Handler {
		for i := len(chain) - 1; i >= 0; i-- {
			next = chain[i](next)
		}
		return next
	}
}

func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		// nil CheckOrigin enforces same-origin.
		return websocket.Upgrader{}
	}
	origins := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		origins[strings.TrimRight(o, "/")] = struct{}{}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			_, ok := origins[origin]
			return ok
		},
	}
}

func serveSPA(fileServer http.Handler) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" {
			http.NotFound(w, r)
			return
		}

		if r.URL.Path == "/manifest.json" || r.URL.Path == "/manifest.webmanifest" {
			w.Header().Set("Content-Type", "application/manifest+json")
		}
		if r.URL.Path == "/sw.js" {
			w.Header().Set("Service-Worker-Allowed", "/")
			w.Header().Set("Cache-Control", "no-cache")
		}

		cleanPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		// Client-side routes get index.html through "/" so FileServer does
		// not redirect.
		if cleanPath == "." || !strings.Contains(cleanPath, ".") {
			r.URL.Path = "/"
		} else {
			r.URL.Path = "/" + cleanPath
		}

		fileServer.ServeHTTP(w, r)
	}
}
