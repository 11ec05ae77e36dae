package lockercycletest

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

//go:embed templates
var templatesFS embed.FS

// monitorServer serves a read-only dashboard over the controller's status
// snapshots. It never issues locker or arm commands.
type monitorServer struct {
	logger logging.Logger
	target int
	status func() *statusSnapshot
	tmpl   *template.Template
	mux    *http.ServeMux
	srv    *http.Server
}

func newMonitorServer(port, target int, status func() *statusSnapshot, logger logging.Logger) *monitorServer {
	ms := &monitorServer{
		logger: logger,
		target: target,
		status: status,
		tmpl:   template.Must(template.ParseFS(templatesFS, "templates/*.html")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", ms.handleStatus)
	mux.HandleFunc("GET /", ms.handleIndex)
	ms.mux = mux
	ms.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ms
}

// start serves in the background and returns immediately.
func (ms *monitorServer) start() {
	goutils.PanicCapturingGo(func() {
		ms.logger.Infof("monitor page listening on %s", ms.srv.Addr)
		if err := ms.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ms.logger.Errorf("monitor server stopped: %v", err)
		}
	})
}

func (ms *monitorServer) Shutdown(ctx context.Context) error {
	if ms.srv == nil {
		return nil
	}
	return ms.srv.Shutdown(ctx)
}

func (ms *monitorServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ms.tmpl.ExecuteTemplate(w, "monitor.html", map[string]interface{}{"Locker": ms.target}); err != nil {
		ms.logger.Errorf("rendering monitor page: %v", err)
	}
}

func (ms *monitorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ms.status()); err != nil {
		ms.logger.Errorf("encoding status: %v", err)
	}
}
