// Package broker declares the RabbitMQ topology shared by the change
// publisher and the import consumer.
package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the exchanges and queues carrying change messages.
type Topology struct {
	Exchange           string
	RoutingKey         string
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
}

// DefaultTopology returns the production names.
func DefaultTopology() Topology {
	return Topology{
		Exchange:           "keeperdata.direct",
		RoutingKey:         "import",
		Queue:              "keeper_imports",
		DeadLetterExchange: "keeperdata.dlx",
		DeadLetterQueue:    "keeper_imports.dlq",
	}
}

// Declare idempotently declares every exchange, queue and binding in t.
// Both sides must declare the work queue with identical arguments.
func Declare(ch *amqp.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare DLX: %w", err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare DLQ: %w", err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, t.RoutingKey, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind DLQ: %w", err)
	}

	args := amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.RoutingKey,
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("rabbitmq: declare queue: %w", err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind queue: %w", err)
	}
	return nil
}
