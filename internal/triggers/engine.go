// Package triggers matches verified events against subscriptions, applies
// their mapping rules and hands the results to the dispatcher.
package triggers

import (
	"context"

	"integration-engine/internal/common/logging"
	"integration-engine/internal/dispatch"
	"integration-engine/internal/gateway"
	"integration-engine/internal/storage"
	"integration-engine/internal/transform"
)

// Submitter enqueues actions for out-of-band execution.
type Submitter interface {
	Submit(ctx context.Context, kind dispatch.Kind, subscriptionID string, payload interface{}) (string, error)
}

// Engine routes events to matching subscriptions. Matches are processed in
// ascending subscription id order and each match is isolated: a failing
// filter, mapping or submit on one subscription never affects its siblings.
type Engine struct {
	subscriptions storage.SubscriptionStore
	evaluator     *transform.Evaluator
	dispatcher    Submitter
	logger        logging.Logger
}

func NewEngine(subscriptions storage.SubscriptionStore, evaluator *transform.Evaluator, dispatcher Submitter, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Engine{
		subscriptions: subscriptions,
		evaluator:     evaluator,
		dispatcher:    dispatcher,
		logger:        logger,
	}
}

// Route matches a verified webhook event against all active subscriptions for
// its event type and submits one delivery action per match.
func (e *Engine) Route(ctx context.Context, event *gateway.EventContext) error {
	return e.route(ctx, event.EventType, event.TransformContext())
}

// RouteInternal routes an engine-generated event through the same matching
// logic, keyed by an internal event type instead of an external payload.
func (e *Engine) RouteInternal(ctx context.Context, eventType string, data map[string]interface{}) error {
	if data == nil {
		data = map[string]interface{}{}
	}
	return e.route(ctx, eventType, map[string]interface{}{
		"event_type": eventType,
		"data":       data,
	})
}

func (e *Engine) route(ctx context.Context, eventType string, data map[string]interface{}) error {
	// Ascending id order is the store's contract
	subs, err := e.subscriptions.ListActiveByEventType(ctx, eventType)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		e.processMatch(ctx, eventType, sub, data)
	}
	return nil
}

// processMatch handles one subscription end to end. Errors are logged and
// swallowed so sibling matches proceed untouched.
func (e *Engine) processMatch(ctx context.Context, eventType string, sub *storage.Subscription, data map[string]interface{}) {
	if sub.Filter != "" {
		result, err := e.evaluator.Evaluate(sub.Filter, data)
		if err != nil {
			e.logger.Warn("Subscription filter failed to evaluate",
				logging.Field{Key: "subscription_id", Value: sub.ID},
				logging.Field{Key: "event_type", Value: eventType},
				logging.Field{Key: "error", Value: err.Error()},
			)
			return
		}
		if !transform.Truthy(result) {
			e.logger.Debug("Subscription filter rejected event",
				logging.Field{Key: "subscription_id", Value: sub.ID},
				logging.Field{Key: "event_type", Value: eventType},
			)
			return
		}
	}

	payload, ruleErrors := e.evaluator.Transform(data, sub.Mappings)
	for _, ruleErr := range ruleErrors {
		e.logger.Warn("Mapping rule failed",
			logging.Field{Key: "subscription_id", Value: sub.ID},
			logging.Field{Key: "rule_index", Value: ruleErr.Index},
			logging.Field{Key: "rule_target", Value: ruleErr.Target},
			logging.Field{Key: "error", Value: ruleErr.Err.Error()},
		)
	}

	actionID, err := e.dispatcher.Submit(ctx, dispatch.KindWebhookDelivery, sub.ID, dispatch.WebhookDeliveryPayload{
		TargetURL:    sub.TargetURL,
		ConnectionID: sub.ConnectionID,
		Body:         payload,
	})
	if err != nil {
		e.logger.Error("Failed to submit action", err,
			logging.Field{Key: "subscription_id", Value: sub.ID},
			logging.Field{Key: "event_type", Value: eventType},
		)
		return
	}

	e.logger.Info("Event routed",
		logging.Field{Key: "subscription_id", Value: sub.ID},
		logging.Field{Key: "event_type", Value: eventType},
		logging.Field{Key: "action_id", Value: actionID},
	)
}
