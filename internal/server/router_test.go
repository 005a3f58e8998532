package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"

	"github.com/l0p7/fxoffline/internal/page"
)

type stubState struct{ active, waiting string }

func (s stubState) Active() string  { return s.active }
func (s stubState) Waiting() string { return s.waiting }

type stubPage struct {
	status  page.Status
	err     error
	cleared int
}

func (p *stubPage) Status() page.Status { return p.status }

func (p *stubPage) ClearAllCaches(context.Context) error {
	p.cleared++
	return p.err
}

func newExpect(t *testing.T, routes Routes) *httpexpect.Expect {
	t.Helper()
	srv := httptest.NewServer(NewHandler(routes))
	t.Cleanup(srv.Close)
	return httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})
}

func workerStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Offline-Cache", "network")
		_, _ = w.Write([]byte("proxied " + r.URL.Path))
	})
}

func TestHealthReportsGenerations(t *testing.T) {
	e := newExpect(t, Routes{
		Worker: workerStub(),
		State:  stubState{active: "v4", waiting: "v5"},
		Pages:  func() int { return 2 },
	})

	obj := e.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	obj.Value("status").String().IsEqual("ok")
	obj.Value("active").String().IsEqual("v4")
	obj.Value("waiting").String().IsEqual("v5")
	obj.Value("pages").Number().IsEqual(2)
}

func TestHealthUnavailableBeforeActivation(t *testing.T) {
	e := newExpect(t, Routes{Worker: workerStub(), State: stubState{}})
	e.GET("/healthz").Expect().
		Status(http.StatusServiceUnavailable).
		JSON().Object().Value("status").String().IsEqual("installing")
}

func TestUnknownPathsReachWorker(t *testing.T) {
	e := newExpect(t, Routes{Worker: workerStub()})
	resp := e.GET("/currency").Expect().Status(http.StatusOK)
	resp.Header("X-Offline-Cache").IsEqual("network")
	resp.Body().IsEqual("proxied /currency")
}

func TestMissingWorker(t *testing.T) {
	e := newExpect(t, Routes{})
	e.GET("/currency").Expect().Status(http.StatusServiceUnavailable)
}

func TestMetricsAndControlMounted(t *testing.T) {
	e := newExpect(t, Routes{
		Worker: workerStub(),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("metrics"))
		}),
		Control: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	})
	e.GET("/metrics").Expect().Status(http.StatusOK).Body().IsEqual("metrics")
	e.GET("/control").Expect().Status(http.StatusTeapot)
}

func TestPageRoutes(t *testing.T) {
	p := &stubPage{status: page.Status{Base: "USD", Stale: true, Message: "Using cached rates. Connect to update."}}
	e := newExpect(t, Routes{Worker: workerStub(), Page: p})

	obj := e.GET("/page/status").Expect().Status(http.StatusOK).JSON().Object()
	obj.Value("base").String().IsEqual("USD")
	obj.Value("stale").Boolean().IsTrue()
	obj.Value("message").String().IsEqual("Using cached rates. Connect to update.")

	e.POST("/page/clear").Expect().Status(http.StatusAccepted)
	e.GET("/page/clear").Expect().Status(http.StatusMethodNotAllowed)
	e.POST("/page/status").Expect().Status(http.StatusMethodNotAllowed)

	p.err = errors.New("control channel not connected")
	e.POST("/page/clear").Expect().Status(http.StatusServiceUnavailable)
	if p.cleared != 2 {
		t.Fatalf("expected 2 clear calls, got %d", p.cleared)
	}
}

func TestAbsoluteURIsGoToWorker(t *testing.T) {
	handler := NewHandler(Routes{Worker: workerStub(), Metrics: http.NotFoundHandler()})
	req := httptest.NewRequest(http.MethodGet, "http://api.exchangerate-api.com/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "proxied /metrics" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}
