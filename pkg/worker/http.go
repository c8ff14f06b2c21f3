package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Sternrassler/offline-proxy/pkg/notify"
)

// ControlPrefix is the path prefix of the worker's own endpoints.
const ControlPrefix = "/__sw/"

// maxPushPayload bounds the size of a push payload.
const maxPushPayload = 64 << 10

// Handler returns the worker's HTTP surface: the control endpoints under
// ControlPrefix and the proxy for everything else.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /__sw/events", w.eventsHandler)
	mux.HandleFunc("POST /__sw/message", w.messageHandler)
	mux.HandleFunc("POST /__sw/sync", w.syncHandler(false))
	mux.HandleFunc("POST /__sw/periodicsync", w.syncHandler(true))
	mux.HandleFunc("POST /__sw/push", w.pushHandler)
	mux.Handle("/", w)
	return mux
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// eventsHandler streams broadcast messages to one client as server-sent
// events until the client disconnects.
func (w *Worker) eventsHandler(rw http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(rw)

	client := notify.NewChanClient(w.config.Notify.ClientBuffer)
	if w.State() == StateActivated {
		client.SetController(w.Version())
	}
	w.registry.Register(client)
	defer func() {
		w.registry.Unregister(client.ID())
		client.Close()
	}()

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(map[string]string{
		"id":         client.ID(),
		"controller": client.Controller(),
	})
	fmt.Fprintf(rw, "event: client\ndata: %s\n\n", hello)
	if err := rc.Flush(); err != nil {
		w.logger.Debug().Err(err).Msg("Event stream cannot be flushed")
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(rw, "event: message\ndata: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (w *Worker) messageHandler(rw http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(rw, "invalid message: "+err.Error(), http.StatusBadRequest)
		return
	}

	var replied any
	reply := notify.ReplyFunc(func(payload any) error {
		replied = payload
		return nil
	})

	err := w.HandleMessage(r.Context(), env, reply)
	switch {
	case errors.Is(err, ErrUnknownMessage):
		http.Error(rw, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrInvalidState):
		http.Error(rw, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	case replied != nil:
		writeJSON(rw, http.StatusOK, replied)
	default:
		rw.WriteHeader(http.StatusNoContent)
	}
}

type syncResponse struct {
	Handled   bool `json:"handled"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
}

func (w *Worker) syncHandler(periodic bool) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		tag := r.URL.Query().Get("tag")
		if tag == "" {
			http.Error(rw, "tag is required", http.StatusBadRequest)
			return
		}

		var (
			res     notify.BroadcastResult
			handled bool
		)
		if periodic {
			res, handled = w.PeriodicSync(r.Context(), tag)
		} else {
			res, handled = w.Sync(r.Context(), tag)
		}
		writeJSON(rw, http.StatusOK, syncResponse{
			Handled:   handled,
			Delivered: res.Delivered,
			Failed:    res.Failed,
		})
	}
}

func (w *Worker) pushHandler(rw http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload))
	if err != nil {
		http.Error(rw, "read payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	n, err := w.Push(r.Context(), payload)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Push notification failed")
		http.Error(rw, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(rw, http.StatusOK, n)
}
