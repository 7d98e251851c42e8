package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"marketbot/internal/handlers"
	"marketbot/internal/middleware"
	"marketbot/internal/routes"
	"marketbot/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	config.SetupLogging()
	log := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	file, err := config.LoadFile(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Invalid config file")
	}

	conn, err := config.DialRabbitMQ(ctx, config.RabbitMQURL())
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to RabbitMQ")
	}
	defer conn.Close()

	publisher, err := config.NewPublisher(conn)
	if err != nil {
		log.WithError(err).Fatal("Failed to create publisher")
	}
	defer publisher.Close()

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: file.API.RequestsPerSecond,
		Burst:             file.API.Burst,
	})
	go limiter.RunSweeper(ctx)

	r := routes.SetupRouter(routes.RouterConfig{
		Webhook:        handlers.NewWebhookHandler(publisher, file.Worker.SignalQueue, log),
		RateLimiter:    limiter,
		AllowedOrigins: allowedOrigins(os.Getenv("ALLOWED_ORIGINS")),
	})

	port := file.API.Port
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Server shutdown failed")
		}
	}()

	log.WithField("port", port).Info("Webhook ingress listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("Failed to start server")
	}
}

// allowedOrigins parses a comma-separated origin list, e.g.
// "http://localhost:3000,http://localhost:3001".
func allowedOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
