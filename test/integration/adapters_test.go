package integration_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-settlement/internal/adapters/memory"
	mongoadapter "github.com/robertarktes/ticket-settlement/internal/adapters/mongo"
	"github.com/robertarktes/ticket-settlement/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/ticket-settlement/internal/adapters/redis"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/idempotency"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/outbox"
	"github.com/robertarktes/ticket-settlement/internal/rateLimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)
	return host + ":" + mapped.Port()
}

func TestIntegration_MongoAuditAndMetadata(t *testing.T) {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
	}, "27017")
	ctx := context.Background()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://"+addr))
	require.NoError(t, err)
	defer client.Disconnect(ctx)
	db := client.Database("tickets")
	logger := observability.NewNopLogger()

	audit := mongoadapter.NewAuditLogger(db, logger)
	require.NoError(t, audit.LogEvent(ctx, "withdrawal.completed", "admin@example.com", map[string]interface{}{"amount": 1000}))
	require.NoError(t, audit.LogEvent(ctx, "scan.rejected", "gate-1", nil))

	entries, err := audit.Recent(ctx, "withdrawal.completed", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin@example.com", entries[0].Actor)

	store := mongoadapter.NewAssetMetadataStore(db, logger)
	meta := domain.AssetMetadata{
		OrderID: uuid.New(), TicketID: uuid.New(), EventID: uuid.New(),
		EventName: "Jazz Night", Venue: "Hall A", StartsAt: time.Now().Add(72 * time.Hour),
		Owner: "buyer@example.com", PDFVersion: 1, Price: 100000,
	}
	ref, err := store.PutAssetMetadata(ctx, meta)
	require.NoError(t, err)

	meta.Owner = "someone-else@example.com"
	again, err := store.PutAssetMetadata(ctx, meta)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	doc, err := store.Get(ctx, meta.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", doc.Owner)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, store.Ping(ctx))
}

func TestIntegration_RedisLocksLimitsAndIdempotency(t *testing.T) {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, "6379")
	ctx := context.Background()

	client := redisclient.NewClient(&redisclient.Options{Addr: addr})
	defer client.Close()
	cache := redisadapter.NewCache(client)
	require.NoError(t, cache.Ping(ctx))

	unlock, ok, err := cache.TryLock(ctx, "webhook:order-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = cache.TryLock(ctx, "webhook:order-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held")
	unlock()
	unlock2, ok, err := cache.TryLock(ctx, "webhook:order-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock is free after unlock")
	unlock2()

	rl := rateLimit.NewRateLimiter(cache, observability.NewNopLogger())
	assert.True(t, rl.Allow(ctx, "ip:10.0.0.1", 2, time.Minute))
	assert.True(t, rl.Allow(ctx, "ip:10.0.0.1", 2, time.Minute))
	assert.False(t, rl.Allow(ctx, "ip:10.0.0.1", 2, time.Minute))

	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(client), time.Hour)
	fp := idempotency.Fingerprint("POST", "/v1/orders", []byte(`{"ticket_type_id":"x"}`))
	cached, err := idemp.Begin(ctx, "user:key-0001", fp)
	require.NoError(t, err)
	require.Nil(t, cached)
	_, err = idemp.Begin(ctx, "user:key-0001", fp)
	assert.ErrorIs(t, err, domain.ErrConflict, "in flight")

	require.NoError(t, idemp.Finish(ctx, "user:key-0001", fp, idempotency.Response{Status: 201, Body: []byte(`{"success":true}`), ContentType: "application/json"}))
	cached, err = idemp.Begin(ctx, "user:key-0001", fp)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 201, cached.Status)
}

func TestIntegration_OutboxRelaysToRabbit(t *testing.T) {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		WaitingFor:   wait.ForHTTP("/api/health/checks/alarms").WithPort("15672").WithBasicAuth("guest", "guest"),
	}, "5672")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := amqp.Dial("amqp://guest:guest@" + addr + "/")
	require.NoError(t, err)
	defer conn.Close()

	consumer, err := rabbit.NewConsumer(conn, "settlement.retry.test", "settlement.incomplete")
	require.NoError(t, err)
	defer consumer.Close()
	deliveries, err := consumer.Consume(ctx)
	require.NoError(t, err)

	pub, err := rabbit.NewPublisher(conn)
	require.NoError(t, err)
	defer pub.Close()

	store := memory.New()
	orderID := uuid.New()
	err = store.WithTx(ctx, func(tx domain.Tx) error {
		for _, eventType := range []string{"ticket.issued", "settlement.incomplete"} {
			rec, err := domain.NewOutboxRecord("order", orderID, eventType, map[string]string{"order_id": orderID.String()})
			if err != nil {
				return err
			}
			if err := tx.InsertOutbox(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	n, err := outbox.NewPublisher(store, pub, observability.NewNopLogger(), outbox.Config{}).Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	select {
	case d := <-deliveries:
		assert.Equal(t, "settlement.incomplete", d.RoutingKey)
		assert.NotEmpty(t, d.MessageId)
		var body map[string]string
		require.NoError(t, json.Unmarshal(d.Body, &body))
		assert.Equal(t, orderID.String(), body["order_id"])
		require.NoError(t, d.Ack(false))
	case <-ctx.Done():
		t.Fatal("no delivery for settlement.incomplete")
	}

	pending, err := store.GetUnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
