package config

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RabbitMQURL builds the broker URL from RABBITMQ_* variables.
func RabbitMQURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		getEnvDefault("RABBITMQ_USER", "guest"),
		getEnvDefault("RABBITMQ_PASSWORD", "guest"),
		getEnvDefault("RABBITMQ_HOST", "localhost"),
		getEnvDefault("RABBITMQ_PORT", "5672"),
	)
}

// DialRabbitMQ connects to the broker, retrying while the broker starts up.
func DialRabbitMQ(ctx context.Context, url string) (*amqp.Connection, error) {
	const maxRetries = 10
	retryDelay := 3 * time.Second

	var err error
	for i := 0; i < maxRetries; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			logrus.Info("Successfully connected to RabbitMQ")
			return conn, nil
		}

		if i < maxRetries-1 {
			logrus.Warnf("Failed to connect to RabbitMQ (attempt %d/%d): %v. Retrying in %v...", i+1, maxRetries, err, retryDelay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return nil, fmt.Errorf("connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
}
