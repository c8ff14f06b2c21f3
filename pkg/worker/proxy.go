package worker

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sternrassler/offline-proxy/pkg/strategy"
)

// SourceHeader tells the client where a response came from.
const SourceHeader = "X-Offline-Source"

// Hop-by-hop headers. These are removed when sent to the backend.
// As of RFC 7230, hop-by-hop headers are required to appear in the
// Connection header field.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, v := range h["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// target returns the absolute URL r addresses. Origin-form requests belong
// to the application.
func (w *Worker) target(r *http.Request) *url.URL {
	u := *r.URL
	if !u.IsAbs() {
		u.Scheme = w.base.Scheme
		u.Host = w.base.Host
	}
	return &u
}

// ServeHTTP proxies r through the strategy engine once the worker is
// activated, and straight to the network before that.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	out := r.Clone(ctx)
	out.URL = w.target(r)
	out.Host = out.URL.Host
	out.RequestURI = ""
	removeHopHeaders(out.Header)

	var (
		resp   *http.Response
		source strategy.Source
		engine *strategy.Engine
		err    error
	)
	if r.Method == http.MethodGet {
		// only GETs are intercepted; nothing else waits for activation
		engine, err = w.engineFor(ctx)
	}
	if err != nil {
		// client went away while activation ran
		http.Error(rw, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	if engine != nil {
		result := engine.Serve(ctx, out)
		resp, source = result.Response, result.Source
	} else {
		resp, err = w.fetcher.Fetch(ctx, out)
		if err != nil {
			w.logger.Debug().Err(err).Str("url", out.URL.String()).Msg("Uncontrolled fetch failed")
			http.Error(rw, "Bad gateway: "+err.Error(), http.StatusBadGateway)
			return
		}
		source = strategy.SourcePassthrough
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	copyHeaders(rw.Header(), resp.Header)
	rw.Header().Set(SourceHeader, string(source))
	rw.WriteHeader(resp.StatusCode)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(rw, resp.Body); err != nil {
		w.logger.Debug().Err(err).Str("url", out.URL.String()).Msg("Failed to copy response body")
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
