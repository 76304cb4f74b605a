package config

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-io-talk/internal/message"
	pkgconfig "github.com/weiawesome/wes-io-talk/pkg/config"
	"github.com/weiawesome/wes-io-talk/pkg/database"
	"github.com/weiawesome/wes-io-talk/pkg/jwt"
	"github.com/weiawesome/wes-io-talk/pkg/log"
	"github.com/weiawesome/wes-io-talk/pkg/pubsub"
	"github.com/weiawesome/wes-io-talk/pkg/storage"
)

type Config struct {
	Server      ServerConfig
	GRPC        GRPCConfig
	WebSocket   WebSocketConfig
	Auth        jwt.Config
	Chat        ChatConfig
	Storage     StorageConfig
	Redis       RedisConfig
	Cache       CacheConfig
	PubSub      pubsub.Config `mapstructure:"pubsub"`
	Kafka       KafkaConfig
	Search      SearchConfig
	Attachments AttachmentsConfig
	Call        CallConfig
	WebRTC      WebRTCConfig `mapstructure:"webrtc"`
	Log         log.Config
}

type ServerConfig struct {
	Host       string
	Port       int
	InstanceID string `mapstructure:"instance_id"`
}

type GRPCConfig struct {
	Host    string
	Port    int
	Enabled bool
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type ChatConfig struct {
	MaxMessageLength   int           `mapstructure:"max_message_length"`
	TypingTimeout      time.Duration `mapstructure:"typing_timeout"`
	SenderIDPattern    string        `mapstructure:"sender_id_pattern"`
	MessageIDStrategy  string        `mapstructure:"message_id_strategy"`
	SummaryConcurrency int           `mapstructure:"summary_concurrency"`
}

type StorageConfig struct {
	Driver    string                  `mapstructure:"driver"` // memory, gorm, cassandra
	Database  database.Config         `mapstructure:"database"`
	Cassandra message.CassandraConfig `mapstructure:"cassandra"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Prefix    string        `mapstructure:"prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	RosterTTL time.Duration `mapstructure:"roster_ttl"`
}

type KafkaConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Brokers    string `mapstructure:"brokers"`
	Topic      string `mapstructure:"topic"`
	Partitions int    `mapstructure:"partitions"`
}

type SearchConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

type AttachmentsConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	MaxSize        int64          `mapstructure:"max_size"`
	ThumbnailWidth int            `mapstructure:"thumbnail_width"`
	URLExpiry      time.Duration  `mapstructure:"url_expiry"`
	Storage        storage.Config `mapstructure:"storage"`
}

type CallConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RosterStore    string        `mapstructure:"roster_store"` // memory, redis
	RosterPrefix   string        `mapstructure:"roster_prefix"`
	RosterTTL      time.Duration `mapstructure:"roster_ttl"`
}

type WebRTCConfig struct {
	ICEServers []ICEServerConfig `mapstructure:"ice_servers"`
	TurnKeyID  string            `mapstructure:"turn_key_id"`
	TurnKey    string            `mapstructure:"turn_key"`
}

type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// Load reads .env, then TALK_CONFIG or the first config.yaml found under
// ./config or the working directory, then the environment. The returned
// viper instance can be handed to pkgconfig.Watch.
func Load() (*Config, *viper.Viper, error) {
	v, err := pkgconfig.Load(pkgconfig.Source{
		File:    os.Getenv("TALK_CONFIG"),
		Dirs:    []string{"./config", "."},
		Name:    "config",
		EnvFile: ".env",
	})
	if err != nil {
		return nil, nil, err
	}
	cfg, err := FromViper(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// FromViper applies defaults and environment bindings to v and decodes it.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		lenientDuration,
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, err
	}

	for _, d := range durations {
		*d.field(&cfg) = parseDuration(v, d.key, d.def)
	}

	// Env vars arrive as one comma separated string.
	if len(cfg.Search.Addresses) == 1 && strings.Contains(cfg.Search.Addresses[0], ",") {
		cfg.Search.Addresses = strings.Split(cfg.Search.Addresses[0], ",")
	}
	if len(cfg.Storage.Cassandra.Hosts) == 1 && strings.Contains(cfg.Storage.Cassandra.Hosts[0], ",") {
		cfg.Storage.Cassandra.Hosts = strings.Split(cfg.Storage.Cassandra.Hosts[0], ",")
	}

	// The cache and the redis drivers share one redis deployment unless the
	// pub/sub section names its own.
	if cfg.PubSub.Redis.Address == "" {
		cfg.PubSub.Redis.Address = cfg.Redis.Address
		cfg.PubSub.Redis.Password = cfg.Redis.Password
		cfg.PubSub.Redis.DB = cfg.Redis.DB
	}
	if cfg.PubSub.Kafka.Brokers == "" {
		cfg.PubSub.Kafka.Brokers = cfg.Kafka.Brokers
	}

	return &cfg, nil
}

// durations fall back to their default when the configured value does not
// parse.
var durations = []struct {
	key   string
	def   time.Duration
	field func(*Config) *time.Duration
}{
	{"websocket.ping_interval", 30 * time.Second, func(c *Config) *time.Duration { return &c.WebSocket.PingInterval }},
	{"websocket.pong_wait", 60 * time.Second, func(c *Config) *time.Duration { return &c.WebSocket.PongWait }},
	{"websocket.write_wait", 10 * time.Second, func(c *Config) *time.Duration { return &c.WebSocket.WriteWait }},
	{"chat.typing_timeout", 6 * time.Second, func(c *Config) *time.Duration { return &c.Chat.TypingTimeout }},
	{"cache.ttl", 5 * time.Minute, func(c *Config) *time.Duration { return &c.Cache.TTL }},
	{"cache.roster_ttl", 10 * time.Minute, func(c *Config) *time.Duration { return &c.Cache.RosterTTL }},
	{"attachments.url_expiry", 24 * time.Hour, func(c *Config) *time.Duration { return &c.Attachments.URLExpiry }},
	{"call.connect_timeout", 30 * time.Second, func(c *Config) *time.Duration { return &c.Call.ConnectTimeout }},
	{"call.roster_ttl", 6 * time.Hour, func(c *Config) *time.Duration { return &c.Call.RosterTTL }},
	{"storage.cassandra.connect_timeout", 10 * time.Second, func(c *Config) *time.Duration { return &c.Storage.Cassandra.ConnectTimeout }},
	{"storage.cassandra.timeout", 5 * time.Second, func(c *Config) *time.Duration { return &c.Storage.Cassandra.Timeout }},
}

// lenientDuration decodes duration strings and leaves malformed ones zero,
// so a typo in one timeout does not fail the whole load.
func lenientDuration(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	d, err := time.ParseDuration(reflect.ValueOf(data).String())
	if err != nil {
		return time.Duration(0), nil
	}
	return d, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50060)
	v.SetDefault("grpc.enabled", true)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("auth.issuer", "")
	v.SetDefault("chat.max_message_length", 4000)
	v.SetDefault("chat.typing_timeout", "6s")
	v.SetDefault("chat.message_id_strategy", "uuid")
	v.SetDefault("chat.summary_concurrency", 8)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.database.driver", "sqlite")
	v.SetDefault("storage.database.file_path", "talk.db")
	v.SetDefault("storage.database.sslmode", "disable")
	v.SetDefault("storage.database.max_idle_conns", 10)
	v.SetDefault("storage.database.max_open_conns", 50)
	v.SetDefault("storage.database.conn_max_lifetime", 30)
	v.SetDefault("storage.cassandra.hosts", []string{"localhost"})
	v.SetDefault("storage.cassandra.keyspace", "talk")
	v.SetDefault("storage.cassandra.consistency", "LOCAL_QUORUM")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.prefix", "talk")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.roster_ttl", "10m")
	v.SetDefault("pubsub.driver", "memory")
	v.SetDefault("pubsub.kafka.group_id", "talk-pubsub")
	v.SetDefault("pubsub.kafka.partitions", 8)
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "chat-messages")
	v.SetDefault("kafka.partitions", 8)
	v.SetDefault("search.enabled", false)
	v.SetDefault("search.addresses", []string{"http://localhost:9200"})
	v.SetDefault("search.index", "chat-messages")
	v.SetDefault("attachments.enabled", true)
	v.SetDefault("attachments.max_size", 10<<20)
	v.SetDefault("attachments.thumbnail_width", 320)
	v.SetDefault("attachments.url_expiry", "24h")
	v.SetDefault("attachments.storage.driver", "local")
	v.SetDefault("attachments.storage.local.base_path", "./data/attachments")
	v.SetDefault("attachments.storage.local.url_prefix", "/files")
	v.SetDefault("attachments.storage.s3.region", "us-east-1")
	v.SetDefault("call.connect_timeout", "30s")
	v.SetDefault("call.roster_store", "memory")
	v.SetDefault("call.roster_prefix", "talk:call")
	v.SetDefault("call.roster_ttl", "6h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service_name", "talk-server")
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.instance_id", "INSTANCE_ID")
	v.BindEnv("grpc.port", "GRPC_PORT")
	v.BindEnv("auth.secret", "JWT_SECRET")
	v.BindEnv("auth.public_key", "JWT_PUBLIC_KEY")
	v.BindEnv("auth.issuer", "JWT_ISSUER")
	v.BindEnv("chat.sender_id_pattern", "SENDER_ID_PATTERN")
	v.BindEnv("storage.driver", "STORAGE_DRIVER")
	v.BindEnv("storage.database.driver", "DATABASE_DRIVER")
	v.BindEnv("storage.database.host", "DATABASE_HOST")
	v.BindEnv("storage.database.port", "DATABASE_PORT")
	v.BindEnv("storage.database.user", "DATABASE_USER")
	v.BindEnv("storage.database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.database.dbname", "DATABASE_NAME")
	v.BindEnv("storage.cassandra.hosts", "CASSANDRA_HOSTS")
	v.BindEnv("storage.cassandra.username", "CASSANDRA_USERNAME")
	v.BindEnv("storage.cassandra.password", "CASSANDRA_PASSWORD")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_TOPIC")
	v.BindEnv("search.addresses", "ES_ADDRESSES")
	v.BindEnv("search.username", "ES_USERNAME")
	v.BindEnv("search.password", "ES_PASSWORD")
	v.BindEnv("attachments.storage.driver", "ATTACHMENT_STORAGE_DRIVER")
	v.BindEnv("attachments.storage.s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("attachments.storage.s3.bucket", "S3_BUCKET")
	v.BindEnv("attachments.storage.s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("attachments.storage.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	v.BindEnv("webrtc.turn_key_id", "CF_TURN_ID")
	v.BindEnv("webrtc.turn_key", "CF_TURN_KEY")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.format", "LOG_FORMAT")
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
