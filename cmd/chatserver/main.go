package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/courier/chat-backend/internal/blob"
	"github.com/courier/chat-backend/internal/convlog"
	"github.com/courier/chat-backend/internal/database"
	"github.com/courier/chat-backend/internal/gateway"
	"github.com/courier/chat-backend/internal/hub"
	"github.com/courier/chat-backend/internal/identity"
	"github.com/courier/chat-backend/internal/messaging"
	"github.com/courier/chat-backend/internal/metrics"
	"github.com/courier/chat-backend/internal/moderation"
	"github.com/courier/chat-backend/internal/notify"
	"github.com/courier/chat-backend/internal/presence"
	"github.com/courier/chat-backend/internal/ratelimit"
	"github.com/courier/chat-backend/internal/session"
	"github.com/courier/chat-backend/internal/ws"
)

func main() {
	// Optional .env for development; real deployments set the environment.
	_ = godotenv.Load()

	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	metricsAddr := ":9090"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	// --- Redis (sessions, rate limits, presence mirror) ---
	var redisClient *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to Redis at %s: %v", addr, err)
		}
		cancel()
	} else {
		log.Printf("REDIS_ADDR not set; sessions, rate limits and the presence mirror are disabled")
	}

	// --- NATS (cross-instance relay, push feed) ---
	var natsClient *messaging.Client
	if url := os.Getenv("NATS_URL"); url != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = url
		natsConfig.Name = serverName

		var err error
		natsClient, err = messaging.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	} else {
		log.Printf("NATS_URL not set; running single-instance with in-process notifications")
	}

	// --- Postgres (durable log and user records) ---
	var (
		users   identity.Store
		convLog convlog.Log
	)
	setOnAppend := func(fn func(convlog.Message)) {}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := database.Open(dsn)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		defer db.Close()
		if err := database.Migrate(db); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}

		users = identity.NewPGStore(db)
		pgLog := convlog.NewPGLog(db)
		convLog = pgLog
		setOnAppend = pgLog.SetOnAppend
	} else {
		log.Printf("DATABASE_URL not set; using in-memory stores (development only)")
		users = identity.NewMemStore()
		memLog := convlog.NewMemLog()
		convLog = memLog
		setOnAppend = memLog.SetOnAppend
	}

	// --- Presence mirrors ---
	var (
		stores    presence.MultiStore
		redisPres *presence.RedisStore
		sessions  *session.Store
		limiter   *ratelimit.Limiter
	)
	if redisClient != nil {
		redisPres = presence.NewRedisStore(redisClient)
		stores = append(stores, redisPres)
		sessions = session.NewStore(redisClient, serverName)
		limiter = ratelimit.NewLimiter(redisClient)
	}
	stores = append(stores, presence.IdentityMirror{Users: users})

	// --- Fan-out hub ---
	var notifier hub.Notifier
	if natsClient != nil {
		notifier = notify.BusNotifier{Bus: natsClient}
	} else {
		// No bus: dispatch pushes in-process through the dev provider.
		d := notify.NewDispatcher(users, pushProvider())
		notifier = localNotifier{d: d}
	}

	var isOnline func(string) bool
	if redisPres != nil {
		// A user online on any instance should not be push-notified.
		isOnline = func(userID string) bool {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			status, _, err := redisPres.Get(ctx, userID)
			return err == nil && status == presence.Online
		}
	}

	fanout := hub.New(hub.DefaultConfig(), notifier, isOnline)
	if natsClient != nil {
		fanout.AttachBridge(natsClient, serverName)
	}
	setOnAppend(fanout.PublishMessage)

	// --- Presence tracker ---
	tracker := presence.NewTracker(presence.DefaultConfig(), stores, fanout.PublishPresence)
	tracker.Start()

	// --- Media storage ---
	mediaDir := "./media"
	if v := os.Getenv("MEDIA_DIR"); v != "" {
		mediaDir = v
	}
	media := blob.NewLocalStorage(mediaDir, "/media")

	// Content screening; BLOCKLIST is a comma-separated term list.
	filter := moderation.NewFilter(strings.Split(os.Getenv("BLOCKLIST"), ","))

	log.Printf("Courier chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  metrics_addr:    %s", metricsAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  media_dir:       %s", mediaDir)

	// --- Gateway and WebSocket server ---
	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	gw := gateway.New(gateway.DefaultConfig(), gateway.Deps{
		Auth:     gateway.NewTokenAuthenticator(jwtSecret),
		Users:    users,
		Log:      convLog,
		Hub:      fanout,
		Tracker:  tracker,
		Sessions: sessions,
		Limiter:  limiter,
		Blobs:    media,
		Filter:   filter,
	})
	gw.Attach(server, dispatcher)

	// --- Ops listener: Prometheus metrics and media files ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/media/", http.StripPrefix("/media/", media.Handler()))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("ops listener error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		tracker.Stop()
		if natsClient != nil {
			natsClient.Close()
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// pushProvider picks the push transport from the environment.
func pushProvider() notify.Provider {
	if url := os.Getenv("PUSH_WEBHOOK_URL"); url != "" {
		return notify.NewWebhookProvider(url)
	}
	return notify.LogProvider{}
}

// localNotifier delivers pushes in-process when no bus is configured.
type localNotifier struct {
	d *notify.Dispatcher
}

func (n localNotifier) Notify(receiverID string, msg convlog.Message) {
	go n.d.Dispatch(context.Background(), receiverID, msg)
}
