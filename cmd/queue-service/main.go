package main

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"guichet/internal/config"
	"guichet/internal/httpapi"
	"guichet/internal/hub"
	"guichet/internal/queue"
	"guichet/internal/store"
	"guichet/internal/store/memory"
	"guichet/internal/store/postgres"
	"guichet/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type eventEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var ticketStore store.TicketStore
	if cfg.DatabaseURL == "" {
		log.Printf("DB_DSN not set, using the in-memory store")
		ticketStore = memory.NewStore()
	} else {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		ticketStore = postgres.NewStore(pool)
	}

	engine := queue.New(ticketStore, queue.Options{
		NumberPrefix:    cfg.NumberPrefix,
		ServiceDuration: cfg.ServiceDuration,
	})
	handler := httpapi.NewHandler(engine)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		AgencyPerMinute: cfg.AgencyRateLimitPerMinute,
		AgencyBurst:     cfg.AgencyRateLimitBurst,
	})

	h := hub.New()
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/board/", boardHandler(h))
	mux.Handle("/", handler.Routes())

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go broadcastEvents(ticketStore, h, cfg.PollInterval, cfg.BatchSize)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// boardHandler serves the sockjs endpoint board displays subscribe
// through.
func boardHandler(h *hub.Hub) http.Handler {
	return sockjs.NewHandler("/board", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{
				AgencyID:  parsed.AgencyID,
				ServiceID: parsed.ServiceID,
			})
		}
	})
}

// broadcastEvents polls the outbox and fans new events out to the hub.
func broadcastEvents(ticketStore store.TicketStore, h *hub.Hub, interval time.Duration, batchSize int) {
	if interval <= 0 {
		interval = time.Second
	}
	var last store.EventCursor
	var running int32

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if !atomic.CompareAndSwapInt32(&running, 0, 1) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		events, err := ticketStore.ListOutboxEvents(ctx, last, batchSize)
		cancel()
		if err != nil {
			log.Printf("poll outbox error: %v", err)
		} else {
			for _, event := range events {
				last = store.CursorOf(event)
				env := eventEnvelope{Type: event.Type, Payload: event.Payload, CreatedAt: event.CreatedAt}
				payload, _ := json.Marshal(env)
				h.Broadcast(payload, hub.Subscription{
					AgencyID:  event.AgencyID,
					ServiceID: extractServiceID(event.Payload),
				})
			}
		}
		atomic.StoreInt32(&running, 0)
	}
}

func extractServiceID(payload []byte) string {
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return ""
	}
	if value, ok := data["service_id"]; ok && value != nil {
		if text, ok := value.(string); ok {
			return text
		}
		return fmt.Sprint(value)
	}
	return ""
}
