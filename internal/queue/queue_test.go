package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"route-deal-alerts/internal/config"
	"route-deal-alerts/internal/storage"
)

func TestOpenStoreDriverReusesStore(t *testing.T) {
	store := storage.NewMemoryStore(10)
	q, closeFn, err := Open(context.Background(), config.QueueConfig{Driver: "store"}, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFn()
	if q != storage.AlertQueue(store) {
		t.Fatal("store driver should hand back the store itself")
	}

	if _, _, err := Open(context.Background(), config.QueueConfig{Driver: "sqs"}, store, zerolog.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

// TestRedisQueueFIFO needs a live Redis; set DEALWATCH_TEST_REDIS_ADDR to run it.
func TestRedisQueueFIFO(t *testing.T) {
	addr := os.Getenv("DEALWATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DEALWATCH_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	key := fmt.Sprintf("dealwatch:test:%d", time.Now().UnixNano())
	defer client.Del(ctx, key, key+":seq")

	q := NewRedisQueue(client, key)
	at := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	for _, route := range []string{"IST-JFK", "IST-LHR", "IST-CDG"} {
		if err := q.EnqueueAlert(ctx, route, []byte(`{"route_key":"`+route+`"}`), at); err != nil {
			t.Fatalf("EnqueueAlert: %v", err)
		}
	}

	pending, err := q.PendingAlerts(ctx)
	if err != nil {
		t.Fatalf("PendingAlerts: %v", err)
	}
	if len(pending) != 3 || pending[0].RouteKey != "IST-JFK" || pending[2].RouteKey != "IST-CDG" {
		t.Fatalf("unexpected queue %+v", pending)
	}

	if err := q.AckAlerts(ctx, []int64{pending[0].ID, pending[2].ID}); err != nil {
		t.Fatalf("AckAlerts: %v", err)
	}
	left, err := q.PendingAlerts(ctx)
	if err != nil {
		t.Fatalf("PendingAlerts: %v", err)
	}
	if len(left) != 1 || left[0].RouteKey != "IST-LHR" {
		t.Fatalf("unexpected remaining queue %+v", left)
	}
}
