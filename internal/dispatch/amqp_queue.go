package dispatch

import (
	"context"
	"encoding/json"

	"github.com/streadway/amqp"

	"integration-engine/internal/common/errors"
)

// AMQPQueue is a durable queue on an AMQP broker for deployments that already
// run RabbitMQ. Messages are persistent and acked after dequeue, so retries
// within one action stay with the worker that pulled it.
type AMQPQueue struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	name       string
	deliveries <-chan amqp.Delivery
}

func NewAMQPQueue(url, name string) (*AMQPQueue, error) {
	if name == "" {
		name = "actions"
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.ServiceUnreachableError("failed to connect to AMQP broker", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.InternalError("failed to open AMQP channel", err)
	}

	if _, err := channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, errors.InternalError("failed to declare AMQP queue", err)
	}

	deliveries, err := channel.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, errors.InternalError("failed to start AMQP consumer", err)
	}

	return &AMQPQueue{
		conn:       conn,
		channel:    channel,
		name:       name,
		deliveries: deliveries,
	}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, action *Action) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return errors.InternalError("failed to encode action", err)
	}

	err = q.channel.Publish("", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		return errors.InternalError("failed to publish action", err)
	}
	return nil
}

func (q *AMQPQueue) Dequeue(ctx context.Context) (*Action, error) {
	select {
	case delivery, ok := <-q.deliveries:
		if !ok {
			return nil, errors.InternalError("AMQP consumer closed", nil)
		}

		var action Action
		if err := json.Unmarshal(delivery.Body, &action); err != nil {
			delivery.Nack(false, false)
			return nil, errors.InternalError("failed to decode queued action", err)
		}
		delivery.Ack(false)
		return &action, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *AMQPQueue) Close() error {
	q.channel.Close()
	return q.conn.Close()
}
