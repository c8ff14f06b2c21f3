package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/notify"
	"github.com/Sternrassler/offline-proxy/pkg/preload"
	"github.com/rs/zerolog"
)

// SyncTag is the only sync tag the worker reacts to.
const SyncTag = "background-sync"

const (
	syncMessage         = "Connection restored. Syncing data..."
	periodicSyncMessage = "Data refreshed in the background"
)

// Envelope types accepted by HandleMessage.
const (
	EnvelopeSkipWaiting = "SKIP_WAITING"
	EnvelopeGetVersion  = "GET_VERSION"
)

// ErrUnknownMessage is returned for envelopes the worker does not handle.
var ErrUnknownMessage = errors.New("unknown message type")

// Envelope is a control message sent by a client.
type Envelope struct {
	Type string `json:"type"`
}

// HandleMessage processes a client control message. GET_VERSION answers on
// reply, which may be nil for other types.
func (w *Worker) HandleMessage(ctx context.Context, env Envelope, reply notify.Reply) error {
	switch env.Type {
	case EnvelopeSkipWaiting:
		return w.SkipWaiting(ctx)
	case EnvelopeGetVersion:
		if reply == nil {
			return fmt.Errorf("%s needs a reply port", env.Type)
		}
		return reply.Reply(notify.VersionReply{Version: w.Version()})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// Sync handles a one-off sync trigger. It returns false for tags it ignores.
func (w *Worker) Sync(ctx context.Context, tag string) (notify.BroadcastResult, bool) {
	if tag != SyncTag {
		w.logger.Debug().Str("tag", tag).Msg("Ignoring sync tag")
		return notify.BroadcastResult{}, false
	}
	return w.registry.Broadcast(ctx, notify.Message{
		Type:    notify.TypeBackgroundSync,
		Message: syncMessage,
	}), true
}

// PeriodicSync handles a periodic sync trigger.
func (w *Worker) PeriodicSync(ctx context.Context, tag string) (notify.BroadcastResult, bool) {
	if tag != SyncTag {
		w.logger.Debug().Str("tag", tag).Msg("Ignoring periodic sync tag")
		return notify.BroadcastResult{}, false
	}
	return w.registry.Broadcast(ctx, notify.Message{
		Type:    notify.TypePeriodicSync,
		Message: periodicSyncMessage,
	}), true
}

// onRestored tells every client that origins are reachable again.
func (w *Worker) onRestored(ctx context.Context, offlineFor time.Duration) {
	res := w.registry.Broadcast(ctx, notify.Message{
		Type:    notify.TypeConnectivityRestored,
		Message: w.config.Notify.RestoredMessage,
		Version: w.Version(),
	})
	w.logger.Info().
		Dur("offline_for", offlineFor).
		Int("delivered", res.Delivered).
		Msg("Connectivity restored")
}

// NotificationAction is a button on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is a user-visible push notification.
type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Actions            []NotificationAction `json:"actions,omitempty"`
}

// PushSink displays notifications.
type PushSink interface {
	Show(ctx context.Context, n Notification) error
}

// LogSink is a PushSink that only logs.
type LogSink struct {
	Logger zerolog.Logger
}

// Show logs n.
func (s LogSink) Show(_ context.Context, n Notification) error {
	s.Logger.Info().
		Str("title", n.Title).
		Str("body", n.Body).
		Str("tag", n.Tag).
		Msg("Push notification")
	return nil
}

// Push turns a push payload into a notification and hands it to the sink.
// An empty payload gets the configured default body.
func (w *Worker) Push(ctx context.Context, payload []byte) (Notification, error) {
	n := w.notification(string(payload))
	if err := w.pushSink.Show(ctx, n); err != nil {
		return n, fmt.Errorf("show notification: %w", err)
	}
	return n, nil
}

func (w *Worker) notification(body string) Notification {
	cfg := w.config.Notify
	if body == "" {
		body = cfg.PushDefaultBody
	}
	icon := w.resolve(cfg.PushIcon)
	return Notification{
		Title:              cfg.PushTitle,
		Body:               body,
		Icon:               icon,
		Badge:              icon,
		Tag:                cfg.PushTag,
		RequireInteraction: true,
		Actions: []NotificationAction{
			{Action: "open", Title: "Open", Icon: icon},
			{Action: "close", Title: "Close", Icon: icon},
		},
	}
}

// resolve makes a manifest-style item absolute, keeping it as is when it
// cannot be resolved.
func (w *Worker) resolve(item string) string {
	if item == "" {
		return ""
	}
	u, err := preload.ResolveItem(w.base, item)
	if err != nil {
		return item
	}
	return u
}
