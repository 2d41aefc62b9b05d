package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"channel-relay/pkg/events"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

const (
	EventsExchange  = "relay.events"
	DLXExchange     = "relay.events.dlx"
	DeadLetterQueue = "relay.events.dead_letter"
	DashboardQueue  = "relay.events.dashboard"
)

// New connects using RABBITMQ_URL.
func New() (*Client, error) {
	return Dial(os.Getenv("RABBITMQ_URL"))
}

func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// SetupTopology declares the events exchange, the dead-letter path and the
// dashboard queue. Idempotent.
func (c *Client) SetupTopology() error {
	// Events are routed by type, e.g. "download.failed".
	if err := c.ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}

	_, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	_, err = c.ch.QueueDeclare(DashboardQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DLXExchange,
		"x-max-priority":         int32(10),
		// Progress is only interesting while fresh.
		"x-message-ttl": int64((10 * time.Minute).Milliseconds()),
	})
	if err != nil {
		return err
	}
	return c.ch.QueueBind(DashboardQueue, "#", EventsExchange, false, nil)
}

// mapPriority ranks failures above lifecycle events and lifecycle events above
// progress noise.
func mapPriority(t events.EventType) uint8 {
	switch t {
	case events.ErrorOccurred, events.DownloadFailed, events.UploadFailed:
		return 9
	case events.DownloadProgress, events.UploadProgress, events.StatisticsUpdated:
		return 1
	default:
		return 5
	}
}

// Routing keys are the event type names.
func RoutingKey(t events.EventType) string {
	return string(t)
}

// PublishEvent publishes a bus event as JSON, routed by its type.
func (c *Client) PublishEvent(ctx context.Context, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return c.ch.PublishWithContext(ctx,
		EventsExchange,
		RoutingKey(ev.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   ev.ID,
			Type:        string(ev.Type),
			Timestamp:   ev.Timestamp,
			AppId:       ev.Source,
			Body:        body,
			Priority:    mapPriority(ev.Type),
		})
}

// ConsumeEvents consumes from queue with manual acks.
func (c *Client) ConsumeEvents(queue string) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(
		queue,
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
}

// DecodeEvent unmarshals a delivery published by PublishEvent.
func DecodeEvent(d amqp.Delivery) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return events.Event{}, fmt.Errorf("decode event %s: %w", d.MessageId, err)
	}
	return ev, nil
}

func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
