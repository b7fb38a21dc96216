package internal

import "go.uber.org/zap"

// PushDispatcher is the outbound contract to the notification system for
// recipients no delivery layer could reach. Strictly best-effort: callers
// fire-and-forget, implementations log and swallow failures.
type PushDispatcher interface {
	Notify(userIDs []string, conversationID, preview string)
}

// logPushDispatcher is the default dispatcher; it records the intent so an
// operator can see what a real push integration would have sent.
type logPushDispatcher struct {
	log     *zap.Logger
	metrics *Metrics
	enabled bool
}

func NewLogPushDispatcher(log *zap.Logger, metrics *Metrics, enabled bool) PushDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &logPushDispatcher{log: log, metrics: metrics, enabled: enabled}
}

func (d *logPushDispatcher) Notify(userIDs []string, conversationID, preview string) {
	if !d.enabled || len(userIDs) == 0 {
		return
	}
	if len(preview) > 80 {
		preview = preview[:80]
	}
	d.metrics.IncPush()
	d.log.Info("push notification queued",
		zap.Strings("users", userIDs),
		zap.String("conversation", conversationID),
		zap.String("preview", preview))
}
