package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/courier/chat-backend/internal/convlog"
	"github.com/courier/chat-backend/internal/database"
	"github.com/courier/chat-backend/internal/identity"
	"github.com/courier/chat-backend/internal/messaging"
	"github.com/courier/chat-backend/internal/metrics"
	"github.com/courier/chat-backend/internal/notify"
)

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required (push tokens live in Postgres)")
	}

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		log.Fatal("NATS_URL is required")
	}

	metricsAddr := ":9091"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	serverName, _ := os.Hostname()
	if serverName == "" {
		serverName = "notifier-1"
	}

	db, err := database.Open(dsn)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	users := identity.NewPGStore(db)

	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = natsURL
	natsConfig.Name = serverName
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	var provider notify.Provider = notify.LogProvider{}
	providerName := "log"
	if url := os.Getenv("PUSH_WEBHOOK_URL"); url != "" {
		provider = notify.NewWebhookProvider(url)
		providerName = "webhook"
	}

	dispatcher := notify.NewDispatcher(users, provider)

	log.Printf("Courier notifier starting")
	log.Printf("  nats_url:     %s", natsURL)
	log.Printf("  metrics_addr: %s", metricsAddr)
	log.Printf("  provider:     %s", providerName)

	// Queue-group subscription: each push event lands on one notifier.
	err = natsClient.SubscribeNotify(func(data []byte) {
		var ev notify.PushEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("notifier: unmarshal push event: %v", err)
			return
		}
		dispatcher.Dispatch(context.Background(), ev.ReceiverID, convlog.Message{
			ConversationID: ev.ConversationID,
			SenderID:       ev.SenderID,
			Text:           ev.Text,
			CreatedAt:      time.Unix(ev.Ts, 0),
		})
	})
	if err != nil {
		log.Fatalf("failed to subscribe to push events: %v", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("ops listener error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)
	natsClient.Close()
}
