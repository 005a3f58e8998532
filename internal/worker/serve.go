package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/l0p7/fxoffline/internal/cache"
	"github.com/l0p7/fxoffline/internal/policy"
	"github.com/l0p7/fxoffline/internal/tier"
)

// SourceBypass marks responses that matched no tier and went straight to the network.
const SourceBypass policy.Source = "bypass"

// outcome is a served response before it is written to a particular sink.
type outcome struct {
	entry  cache.Entry
	source policy.Source
}

// serve answers a GET through the active generation. handled is false when
// the request must pass through to the network untouched.
func (w *Worker) serve(ctx context.Context, req tier.Request) (outcome, bool, error) {
	gen := w.active.Load()
	if gen == nil || req.Method != http.MethodGet {
		return outcome{}, false, nil
	}

	key := req.Key()
	if _, ok := gen.precached[key]; ok {
		entry, hit, err := w.store.Get(ctx, gen.registry.Shell(), key)
		if err == nil && hit {
			return outcome{entry: entry, source: policy.SourceCache}, true, nil
		}
	}

	t, ok := gen.registry.Match(req)
	if !ok {
		return outcome{}, false, nil
	}
	res, err := w.exec.Execute(ctx, t, req)
	if err != nil {
		if se, ok := policy.AsStatusError(err); ok {
			return outcome{entry: se.Entry, source: policy.SourceNetwork}, true, nil
		}
		return outcome{}, true, err
	}
	if res.Source == policy.SourceStale {
		w.logger.Debug("served stale entry",
			slog.String("tier", t.Name),
			slog.String("url", key),
			slog.String("cause", errString(res.Cause)))
	}
	return outcome{entry: res.Entry, source: res.Source}, true, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RoundTrip lets an in-process page route its fetches through the worker.
// Requests the worker cannot answer fail like a network error would.
func (w *Worker) RoundTrip(r *http.Request) (*http.Response, error) {
	req := tier.FromHTTP(r, w.origin)
	out, handled, err := w.serve(r.Context(), req)
	if !handled {
		resp, err := w.transport.RoundTrip(r)
		if err != nil {
			return nil, err
		}
		resp.Header.Set(policy.SourceHeader, string(SourceBypass))
		return resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("worker: %s: %w", req.Key(), err)
	}
	return out.response(r), nil
}

func (o outcome) response(r *http.Request) *http.Response {
	header := o.entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(policy.SourceHeader, string(o.source))
	header.Set("Content-Length", strconv.Itoa(len(o.entry.Body)))
	status := o.entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(o.entry.Body)),
		ContentLength: int64(len(o.entry.Body)),
		Request:       r,
	}
}

// ServeHTTP is a caching reverse proxy to the origin. Absolute-URI requests
// are fetched from their own URL.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	req := tier.FromHTTP(r, w.origin)
	out, handled, err := w.serve(r.Context(), req)
	if !handled {
		w.bypass(rw, r, req)
		return
	}
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, policy.ErrNetworkTimeout) {
			status = http.StatusGatewayTimeout
		}
		w.logger.Warn("request failed", slog.String("url", req.Key()), slog.String("error", err.Error()))
		http.Error(rw, http.StatusText(status), status)
		return
	}

	header := rw.Header()
	for k, vs := range out.entry.Header {
		header[k] = append([]string(nil), vs...)
	}
	header.Set(policy.SourceHeader, string(out.source))
	header.Set("Content-Length", strconv.Itoa(len(out.entry.Body)))
	status := out.entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	rw.WriteHeader(status)
	_, _ = rw.Write(out.entry.Body)
}

func (w *Worker) bypass(rw http.ResponseWriter, r *http.Request, req tier.Request) {
	out := r.Clone(r.Context())
	out.URL = req.URL
	out.Host = req.URL.Host
	out.RequestURI = ""
	policy.StripHopHeaders(out.Header)

	resp, err := w.transport.RoundTrip(out)
	if err != nil {
		w.logger.Warn("bypass failed", slog.String("url", req.Key()), slog.String("error", err.Error()))
		http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	policy.StripHopHeaders(resp.Header)
	header := rw.Header()
	for k, vs := range resp.Header {
		header[k] = append([]string(nil), vs...)
	}
	header.Set(policy.SourceHeader, string(SourceBypass))
	rw.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rw, resp.Body)
}
