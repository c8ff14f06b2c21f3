package strategy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

// offlinePayload is the body of the realtime offline placeholder.
type offlinePayload struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// offlineJSON synthesizes the 503 returned for realtime requests that have
// neither network nor cache.
func offlineJSON(req *http.Request, message string) *http.Response {
	body, _ := json.Marshal(offlinePayload{
		Error:     "offline",
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-cache")
	return synthesize(req, http.StatusServiceUnavailable, h, body)
}

// unavailable synthesizes the plain-text 503 for resources with no fallback.
func unavailable(req *http.Request) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return synthesize(req, http.StatusServiceUnavailable, h, []byte("Resource unavailable offline"))
}

// badGateway answers requests forwarded without interception whose fetch
// failed.
func badGateway(req *http.Request, err error) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return synthesize(req, http.StatusBadGateway, h, []byte("Bad gateway: "+err.Error()))
}

func synthesize(req *http.Request, status int, h http.Header, body []byte) *http.Response {
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
