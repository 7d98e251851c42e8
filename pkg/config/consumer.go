package config

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Delivery is one queued message with its acknowledgement hooks.
type Delivery struct {
	Body []byte
	Ack  func() error
	Nack func(requeue bool) error
}

type Consumer struct {
	channel *amqp.Channel
	queue   string
}

// NewConsumer declares the durable queue and limits unacknowledged deliveries
// to prefetch so the broker never hands out more jobs than workers can hold.
func NewConsumer(conn *amqp.Connection, queueName string, prefetch int) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q, err := declareQueue(ch, queueName)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}

	return &Consumer{
		channel: ch,
		queue:   q.Name,
	}, nil
}

// Consume streams deliveries until ctx is cancelled or the broker closes the
// channel. Messages are never auto-acknowledged.
func (c *Consumer) Consume(ctx context.Context) (<-chan Delivery, error) {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					logrus.Warnf("Consumer channel for %s closed", c.queue)
					return
				}
				d := Delivery{
					Body: msg.Body,
					Ack:  func() error { return msg.Ack(false) },
					Nack: func(requeue bool) error { return msg.Nack(false, requeue) },
				}
				select {
				case out <- d:
				case <-ctx.Done():
					msg.Nack(false, true)
					return
				}
			}
		}
	}()

	logrus.Infof("Consumer is running on queue %s", c.queue)
	return out, nil
}

func (c *Consumer) Close() error {
	return c.channel.Close()
}
