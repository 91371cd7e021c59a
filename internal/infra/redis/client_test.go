package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/config"
)

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(context.Background(), config.RedisConfig{}, "api")
	require.Error(t, err)
}

func TestOptionsCarryClientName(t *testing.T) {
	opts := options(config.RedisConfig{Address: "localhost:6379", DB: 2, PoolSize: 5, DialTimeout: time.Second}, "leadcall")
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, "leadcall", opts.ClientName)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 5, opts.PoolSize)
}
