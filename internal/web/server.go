package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/healfactory/internal/db"
	"github.com/lucasnoah/healfactory/internal/pipeline"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		return "badge badge-" + strings.ReplaceAll(status, "_", "-")
	},
	"severityClass": func(severity string) string {
		return "sev sev-" + severity
	},
	"relTime": relTime,
}

// Server is the read-only web UI over run state and the event log.
type Server struct {
	store  *pipeline.Store
	db     *db.DB
	addr   string
	logger *zap.Logger

	// pollInterval is how often the live stream re-reads state.json.
	pollInterval time.Duration

	dashboardTmpl *template.Template
	runTmpl       *template.Template
}

// NewServer creates a Server with parsed templates. database may be nil, in
// which case pages render without event history.
func NewServer(store *pipeline.Store, database *db.DB, addr string) *Server {
	return &Server{
		store:         store,
		db:            database,
		addr:          addr,
		logger:        zap.NewNop(),
		pollInterval:  2 * time.Second,
		dashboardTmpl: mustParseTmpl("base.html", "dashboard.html"),
		runTmpl:       mustParseTmpl("base.html", "run.html"),
	}
}

// SetLogger sets the server's logger.
func (s *Server) SetLogger(l *zap.Logger) {
	if l != nil {
		s.logger = l
	}
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			s.handleDashboard(w, r)
		case strings.HasPrefix(r.URL.Path, "/run/"):
			s.routeRun(w, r)
		case r.URL.Path == "/api/runs":
			s.handleAPIRuns(w, r)
		case r.URL.Path == "/api/analytics":
			s.handleAPIAnalytics(w, r)
		case strings.HasPrefix(r.URL.Path, "/api/run/"):
			s.routeAPIRun(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

// Start listens on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web UI listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// splitRunPath returns the path segments after prefix, rejecting run IDs
// that could escape the runs directory.
func splitRunPath(path, prefix string) ([]string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return nil, false
	}
	id := parts[0]
	if strings.ContainsAny(id, "\\") || id == ".." || strings.HasPrefix(id, ".") {
		return nil, false
	}
	return parts, true
}

func (s *Server) routeRun(w http.ResponseWriter, r *http.Request) {
	parts, ok := splitRunPath(r.URL.Path, "/run/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch {
	case len(parts) == 1:
		s.handleRunDetail(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "stream":
		s.handleRunStream(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "capture":
		s.handleCapture(w, r, parts[0], parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) routeAPIRun(w http.ResponseWriter, r *http.Request) {
	parts, ok := splitRunPath(r.URL.Path, "/api/run/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch {
	case len(parts) == 1:
		s.handleAPIRun(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "timeline":
		s.handleAPITimeline(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}
