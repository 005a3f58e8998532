package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/l0p7/fxoffline/internal/page"
)

// WorkerState is the part of the worker the health route reports.
type WorkerState interface {
	Active() string
	Waiting() string
}

// PageControl is the in-process page session as the debug routes drive it.
type PageControl interface {
	Status() page.Status
	ClearAllCaches(ctx context.Context) error
}

// Routes lists the handlers NewHandler mounts. Nil handlers are skipped,
// except Worker which is required.
type Routes struct {
	Worker  http.Handler
	State   WorkerState
	Metrics http.Handler
	Control http.Handler
	Page    PageControl
	Pages   func() int
}

// NewHandler dispatches the service routes and hands every other request
// to the worker proxy.
func NewHandler(routes Routes) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		serveHealth(w, r, routes)
	})
	if routes.Metrics != nil {
		mux.Handle("/metrics", routes.Metrics)
	}
	if routes.Control != nil {
		mux.Handle("/control", routes.Control)
	}
	if routes.Page != nil {
		mux.HandleFunc("/page/status", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			writeJSON(w, http.StatusOK, routes.Page.Status())
		})
		mux.HandleFunc("/page/clear", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if err := routes.Page.ClearAllCaches(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})
	}
	if routes.Worker == nil {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "worker unavailable")
		})
	} else {
		mux.Handle("/", routes.Worker)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Forward-proxy requests carry an absolute URI and belong to the worker
		// whatever their path.
		if r.URL.IsAbs() && routes.Worker != nil {
			routes.Worker.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status  string `json:"status"`
	Active  string `json:"active,omitempty"`
	Waiting string `json:"waiting,omitempty"`
	Pages   int    `json:"pages"`
}

func serveHealth(w http.ResponseWriter, r *http.Request, routes Routes) {
	resp := healthResponse{Status: "ok"}
	if routes.State != nil {
		resp.Active = routes.State.Active()
		resp.Waiting = routes.State.Waiting()
	}
	if routes.Pages != nil {
		resp.Pages = routes.Pages()
	}
	status := http.StatusOK
	if routes.State != nil && resp.Active == "" {
		resp.Status = "installing"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
