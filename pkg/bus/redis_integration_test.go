//go:build integration

package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns its connection options.
func setupRedis(t *testing.T) *redis.Options {
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	opts, err := redis.ParseURL(fmt.Sprintf("redis://%s:%s", host, port.Port()))
	require.NoError(t, err)
	return opts
}

func TestRedisBusContract_RealRedis(t *testing.T) {
	opts := setupRedis(t)

	runBusContract(t, func(t *testing.T) Bus {
		// A fresh namespace per subtest keeps the shared server clean.
		b, err := NewRedisBus(opts, "it-"+uuid.NewString())
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestRedisBusNotify_RealRedis(t *testing.T) {
	opts := setupRedis(t)
	b, err := NewRedisBus(opts, "it-notify")
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wake, err := b.Notify(ctx, AgentValidator)
	require.NoError(t, err)

	_, err = b.Publish(ctx, mustMessage(t, AgentOrchestrator, AgentValidator, TypeValidateCommand, "run-1", map[string]string{"run_id": "run-1"}))
	require.NoError(t, err)

	_, ok := <-wake
	require.True(t, ok, "no notification for published message")

	msgs, err := b.Consume(ctx, AgentValidator, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
