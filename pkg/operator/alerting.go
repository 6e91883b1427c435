package operator

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts operator-facing alerts (subscription failure thresholds,
// leadership transitions) to a Slack channel. A nil client makes every
// call a silent noop so the operator surface works identically with or
// without Slack configured.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken is empty, the notifier is a
// noop.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a usable Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// NotifyLeadershipChange posts a leadership transition for service.
func (n *Notifier) NotifyLeadershipChange(ctx context.Context, service, instanceID string, acquired bool) {
	if !n.IsEnabled() {
		return
	}

	verb := "acquired"
	if !acquired {
		verb = "lost"
	}
	text := fmt.Sprintf(":rotating_light: instance `%s` %s leadership for `%s`", instanceID, verb, service)

	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Warn("operator: posting leadership alert to slack", "error", err)
	}
}

// NotifySubscriptionFailures posts a warning once a subscription's failure
// count within the rolling window crosses threshold.
func (n *Notifier) NotifySubscriptionFailures(ctx context.Context, subscriptionName string, failureCount int, threshold int) {
	if !n.IsEnabled() || failureCount < threshold {
		return
	}

	text := fmt.Sprintf(":warning: webhook subscription `%s` has %d recent failures (threshold %d)",
		subscriptionName, failureCount, threshold)

	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Warn("operator: posting failure alert to slack", "error", err)
	}
}
