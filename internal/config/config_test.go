package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromViperDefaults(t *testing.T) {
	cfg, err := FromViper(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.PubSub.Driver)
	assert.Equal(t, 4000, cfg.Chat.MaxMessageLength)
	assert.Equal(t, 6*time.Second, cfg.Chat.TypingTimeout)
	assert.Equal(t, 30*time.Second, cfg.Call.ConnectTimeout)
	assert.Equal(t, "localhost:6379", cfg.PubSub.Redis.Address)
	assert.Equal(t, "localhost:9092", cfg.PubSub.Kafka.Brokers)
	assert.Equal(t, "local", cfg.Attachments.Storage.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestFromViperOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ES_ADDRESSES", "http://es1:9200,http://es2:9200")
	t.Setenv("JWT_SECRET", "s3cret")

	v := viper.New()
	v.Set("chat.typing_timeout", "2s")
	v.Set("call.connect_timeout", "not a duration")

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"http://es1:9200", "http://es2:9200"}, cfg.Search.Addresses)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.Equal(t, 2*time.Second, cfg.Chat.TypingTimeout)
	assert.Equal(t, 30*time.Second, cfg.Call.ConnectTimeout)
}

func TestFromViperMalformedDurationsFallBack(t *testing.T) {
	v := viper.New()
	v.Set("websocket.pong_wait", "forever")
	v.Set("storage.cassandra.timeout", "5 seconds")
	v.Set("pubsub.redis.read_timeout", "soon")
	v.Set("cache.ttl", "90s")

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.WebSocket.PongWait)
	assert.Equal(t, 5*time.Second, cfg.Storage.Cassandra.Timeout)
	assert.Zero(t, cfg.PubSub.Redis.ReadTimeout)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
}

func TestFromViperRereadsChangedValues(t *testing.T) {
	v := viper.New()
	v.Set("call.connect_timeout", "bad")
	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Call.ConnectTimeout)

	v.Set("call.connect_timeout", "45s")
	cfg, err = FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Call.ConnectTimeout)
}
