// Package dispatcher implements the reaction dispatcher: on every
// mutation it loads matching subscriptions from pkg/subscription, applies
// the document filter, and fans out to the webhook pipeline (pkg/webhook)
// and the script sandbox (pkg/sandbox) without back-pressuring the
// originating mutation.
package dispatcher

import (
	"context"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/reactorhub/reactorhub/pkg/subscription"
)

// Mutation describes a single document change fed to the dispatcher by the
// (out-of-scope) CRUD layer.
type Mutation struct {
	Collection string
	Event      string // "create", "update", or "delete"
	New        bson.M
	Old        bson.M
}

// operand returns the document the filter and payload are built from: new
// for create/update, old for delete.
func (m Mutation) operand() bson.M {
	if m.Event == "delete" {
		return m.Old
	}
	return m.New
}

// WebhookEnqueuer is the fan-out target for surviving webhook subscriptions.
// Implemented by *webhook.Pipeline; the dispatcher depends on it only
// through this interface; delivery never learns the dispatcher exists.
type WebhookEnqueuer interface {
	Enqueue(ctx context.Context, sub subscription.WebhookSubscription, m Mutation)
}

// ScriptInvoker is the fan-out target for surviving script subscriptions.
// Implemented by *sandbox.ReactionRunner.
type ScriptInvoker interface {
	InvokeReaction(ctx context.Context, sub subscription.ScriptSubscription, m Mutation)
}

// SubscriptionLister is the read-through view queried on every mutation.
// Implemented by *subscription.Store; the dispatcher depends on it only
// through this interface so it is testable without a document store.
type SubscriptionLister interface {
	ListWebhooksForEvent(ctx context.Context, collection, event string) ([]subscription.WebhookSubscription, error)
	ListScriptsForEvent(ctx context.Context, collection, event string) ([]subscription.ScriptSubscription, error)
}

// Dispatcher is the sole entry point the CRUD layer calls on mutation.
type Dispatcher struct {
	subs     SubscriptionLister
	webhooks WebhookEnqueuer
	scripts  ScriptInvoker
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(subs SubscriptionLister, webhooks WebhookEnqueuer, scripts ScriptInvoker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{subs: subs, webhooks: webhooks, scripts: scripts, logger: logger}
}

// Dispatch loads matching subscriptions, evaluates their filters, and
// enqueues reactions. It never blocks on the outcome of a reaction — only
// on the (fast, in-process or single round-trip) enqueue step itself.
func (d *Dispatcher) Dispatch(ctx context.Context, m Mutation) error {
	operand := m.operand()

	webhookSubs, err := d.subs.ListWebhooksForEvent(ctx, m.Collection, m.Event)
	if err != nil {
		return err
	}
	for _, sub := range webhookSubs {
		if !Match(d.logger, operand, sub.Filter) {
			continue
		}
		d.webhooks.Enqueue(ctx, sub, m)
	}

	scriptSubs, err := d.subs.ListScriptsForEvent(ctx, m.Collection, m.Event)
	if err != nil {
		return err
	}
	for _, sub := range scriptSubs {
		if !Match(d.logger, operand, sub.Filter) {
			continue
		}
		d.scripts.InvokeReaction(ctx, sub, m)
	}

	return nil
}
