// Package worker delivers queue events to clients by polling the
// outbox feed. Delivery is best effort: a failed send is logged and the
// feed moves on, it never blocks ticket operations.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"guichet/internal/store"
)

type Worker struct {
	store     store.TicketStore
	provider  Provider
	batchSize int
	last      store.EventCursor
}

type payloadData map[string]interface{}

type Config struct {
	BatchSize int
	Provider  string
}

func New(st store.TicketStore, cfg Config) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Worker{
		store:     st,
		provider:  newProvider(cfg.Provider),
		batchSize: batch,
	}
}

// Run drains one batch of outbox events issued after the last
// processed one.
func (w *Worker) Run(ctx context.Context) error {
	events, err := w.store.ListOutboxEvents(ctx, w.last, w.batchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := w.processEvent(ctx, event); err != nil {
			log.Printf("notify process error: %v", err)
		}
		w.last = store.CursorOf(event)
	}
	return nil
}

func (w *Worker) processEvent(ctx context.Context, event store.OutboxEvent) error {
	template := templateForEvent(event.Type)
	if template == "" {
		return nil
	}

	payload := payloadData{}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}

	recipient := str(payload, "client_id")
	if recipient == "" {
		return nil
	}

	message := renderTemplate(template, payload)
	return w.provider.Send(ctx, message, recipient)
}

func templateForEvent(eventType string) string {
	switch eventType {
	case store.EventTicketCreated:
		return "Ticket {number} issued, you are in the queue."
	case store.EventTicketServing:
		return "Ticket {number} is being called, please come forward."
	case store.EventTicketDone:
		return "Ticket {number} is done, thank you for your visit."
	case store.EventTicketCancelled:
		return "Ticket {number} was cancelled."
	default:
		return ""
	}
}

func renderTemplate(template string, payload payloadData) string {
	result := template
	result = strings.ReplaceAll(result, "{number}", str(payload, "number"))
	result = strings.ReplaceAll(result, "{agency_id}", str(payload, "agency_id"))
	result = strings.ReplaceAll(result, "{status}", str(payload, "status"))
	return result
}

func str(payload payloadData, key string) string {
	value, ok := payload[key]
	if !ok || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	return fmt.Sprint(value)
}

// Start runs the worker on a fixed interval until the context ends.
func Start(ctx context.Context, interval time.Duration, w *Worker) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Run(ctx); err != nil {
				log.Printf("notify worker error: %v", err)
			}
		}
	}
}
