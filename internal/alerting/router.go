package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Router fans notifications out to named channels.
type Router struct {
	channels map[string]Notifier
	routes   map[string][]string
	logger   zerolog.Logger
}

// NewRouter builds a router. routes maps a severity to channel names.
func NewRouter(routes map[string][]string, logger zerolog.Logger) *Router {
	normalised := make(map[string][]string, len(routes))
	for severity, names := range routes {
		normalised[strings.ToLower(severity)] = names
	}
	return &Router{
		channels: make(map[string]Notifier),
		routes:   normalised,
		logger:   logger.With().Str("component", "alert_router").Logger(),
	}
}

// Register binds a channel name to a notifier.
func (r *Router) Register(name string, notifier Notifier) {
	r.channels[strings.ToLower(name)] = notifier
}

// Channels lists the registered channel names.
func (r *Router) Channels() []string {
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch sends the notification to note.Channels when set, otherwise to
// the channels routed for its severity. Every channel is attempted; the
// returned error joins the failures.
func (r *Router) Dispatch(ctx context.Context, note Notification) error {
	targets := note.Channels
	if len(targets) == 0 {
		targets = r.routes[strings.ToLower(note.Severity)]
	}

	var errs []error
	for _, name := range targets {
		notifier, ok := r.channels[strings.ToLower(name)]
		if !ok {
			r.logger.Debug().Str("channel", name).Msg("channel not registered, skipping")
			continue
		}
		if err := notifier.Notify(ctx, note); err != nil {
			r.logger.Error().Err(err).Str("channel", name).Str("alert_id", note.AlertID).Msg("notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
