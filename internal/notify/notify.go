// Package notify delivers session completion and failure events to observers:
// in-process websocket subscribers and an external message topic.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
)

// Fanout forwards each event to every configured notifier. One failing
// notifier does not stop delivery to the rest.
type Fanout struct {
	notifiers []crawler.Notifier
	logger    *zap.Logger
}

// NewFanout builds a Fanout. Nil notifiers are skipped.
func NewFanout(logger *zap.Logger, notifiers ...crawler.Notifier) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	list := make([]crawler.Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			list = append(list, n)
		}
	}
	return &Fanout{notifiers: list, logger: logger}
}

// Notify implements crawler.Notifier.
func (f *Fanout) Notify(ctx context.Context, evt crawler.Completion) error {
	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, evt); err != nil {
			f.logger.Warn("notifier failed",
				zap.String("session_id", evt.SessionID),
				zap.String("notifier", fmt.Sprintf("%T", n)),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublisherNotifier publishes completion events to a topic.
type PublisherNotifier struct {
	pub   crawler.Publisher
	topic string
}

// NewPublisherNotifier binds a publisher to a topic name.
func NewPublisherNotifier(pub crawler.Publisher, topic string) *PublisherNotifier {
	return &PublisherNotifier{pub: pub, topic: topic}
}

// Notify implements crawler.Notifier.
func (p *PublisherNotifier) Notify(ctx context.Context, evt crawler.Completion) error {
	if p.pub == nil {
		return nil
	}
	if _, err := p.pub.Publish(ctx, p.topic, evt); err != nil {
		return fmt.Errorf("publish completion %s: %w", evt.SessionID, err)
	}
	return nil
}
