package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/weiawesome/wes-io-talk/internal/attachment"
	"github.com/weiawesome/wes-io-talk/internal/config"
	"github.com/weiawesome/wes-io-talk/internal/conversation"
	"github.com/weiawesome/wes-io-talk/internal/gateway"
	"github.com/weiawesome/wes-io-talk/internal/handler"
	"github.com/weiawesome/wes-io-talk/internal/hub"
	"github.com/weiawesome/wes-io-talk/internal/idgen"
	"github.com/weiawesome/wes-io-talk/internal/kafka"
	"github.com/weiawesome/wes-io-talk/internal/message"
	"github.com/weiawesome/wes-io-talk/internal/presence"
	"github.com/weiawesome/wes-io-talk/internal/room"
	"github.com/weiawesome/wes-io-talk/internal/search"
	"github.com/weiawesome/wes-io-talk/internal/service"
	callsignal "github.com/weiawesome/wes-io-talk/internal/signal"
	pkgconfig "github.com/weiawesome/wes-io-talk/pkg/config"
	"github.com/weiawesome/wes-io-talk/pkg/database"
	"github.com/weiawesome/wes-io-talk/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-talk/pkg/log"
	"github.com/weiawesome/wes-io-talk/pkg/middleware"
	"github.com/weiawesome/wes-io-talk/pkg/pubsub"
	"github.com/weiawesome/wes-io-talk/pkg/storage"
)

func main() {
	// Load configuration
	cfg, v, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Log.ServiceName,
	})
	logger := pkglog.L()

	if pkgconfig.Watch(v, 250*time.Millisecond, func(v *viper.Viper) {
		next, err := config.FromViper(v)
		if err != nil {
			l := pkglog.L()
			l.Warn().Err(err).Msg("ignoring invalid config change")
			return
		}
		pkglog.SetLevel(next.Log.Level)
		l := pkglog.L()
		l.Info().Str("level", next.Log.Level).Msg("config reloaded")
	}) {
		logger.Info().Str("file", v.ConfigFileUsed()).Msg("watching config file")
	}

	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = uuid.New().String()
	}
	logger = logger.With().Str(pkglog.FieldInstance, cfg.Server.InstanceID).Logger()

	ctx, cancel := context.WithCancel(pkglog.WithLogger(context.Background(), logger))
	defer cancel()

	// Redis backs the caches and the shared call roster.
	var rdb *redis.Client
	if cfg.Cache.Enabled || cfg.Call.RosterStore == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Address).Msg("failed to connect to redis")
		}
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}

	ids, err := idgen.New(cfg.Chat.MessageIDStrategy, idgen.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create message id generator")
	}
	storeOpts := message.Options{MaxMessageLength: cfg.Chat.MaxMessageLength, IDs: ids}

	// Initialize message store and group rosters
	var store message.Store
	var rosters room.RosterRepository
	switch cfg.Storage.Driver {
	case "", "memory":
		store = message.NewMemoryStore(storeOpts)
		rosters = room.NewMemoryRosterRepository()
	case "gorm":
		db, err := database.New(&cfg.Storage.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := database.AutoMigrate(db,
			&message.ChatRoomModel{},
			&message.ChatMessageModel{},
			&message.ReadWatermarkModel{},
			&room.GroupRoomModel{},
		); err != nil {
			logger.Fatal().Err(err).Msg("failed to auto-migrate")
		}
		logger.Info().Str("driver", cfg.Storage.Database.Driver).Msg("database migration completed")
		store = message.NewGormStore(db, storeOpts)
		rosters = room.NewGormRosterRepository(db)
	case "cassandra":
		session, err := message.NewCassandraSession(cfg.Storage.Cassandra)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to cassandra")
		}
		if err := message.ApplyCassandraSchema(ctx, session); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply cassandra schema")
		}
		cs := message.NewCassandraStore(session, storeOpts)
		defer cs.Close()
		store = cs
		// Group rosters are small and relational; keep them in the SQL store.
		db, err := database.New(&cfg.Storage.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := database.AutoMigrate(db, &room.GroupRoomModel{}); err != nil {
			logger.Fatal().Err(err).Msg("failed to auto-migrate")
		}
		rosters = room.NewGormRosterRepository(db)
	default:
		logger.Fatal().Str("driver", cfg.Storage.Driver).Msg("unknown storage driver")
	}
	if cfg.Cache.Enabled {
		store = message.NewCachedStore(store, rdb, cfg.Cache.Prefix, cfg.Cache.TTL)
		rosters = room.NewCachedRosterRepository(rosters, rdb, cfg.Cache.Prefix, cfg.Cache.RosterTTL)
	}
	logger.Info().Str("driver", cfg.Storage.Driver).Bool("cache", cfg.Cache.Enabled).Msg("message store ready")

	// Initialize cross-instance bus
	bus, err := pubsub.NewPubSub(cfg.PubSub, cfg.Server.InstanceID)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.PubSub.Driver).Msg("failed to create pubsub")
	}
	defer bus.Close()

	// Initialize Hub
	wsHub := hub.NewHub(cfg.WebSocket)
	go wsHub.Run(ctx)

	tracker := presence.NewTracker(cfg.Chat.TypingTimeout)
	defer tracker.Close()

	gw := gateway.New(wsHub, tracker, bus, cfg.Server.InstanceID)
	if err := gw.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start chat gateway")
	}

	var callRosters callsignal.RosterStore
	switch cfg.Call.RosterStore {
	case "redis":
		callRosters = callsignal.NewRedisRosterStore(rdb, cfg.Call.RosterPrefix, cfg.Call.RosterTTL)
	default:
		callRosters = callsignal.NewMemoryRosterStore()
	}
	relay := callsignal.NewRelay(wsHub, callRosters, bus, cfg.Server.InstanceID)
	if err := relay.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start signaling relay")
	}

	// Optional side effects
	var producer kafka.MessageProducer
	if cfg.Kafka.Enabled {
		p, err := kafka.NewConfluentProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions, cfg.Server.InstanceID)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize kafka producer")
		}
		defer p.Close()
		producer = p
		logger.Info().Str("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka producer connected")
	}

	var indexer search.Indexer
	if cfg.Search.Enabled {
		es, err := search.NewClient(cfg.Search.Addresses, cfg.Search.Username, cfg.Search.Password)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create elasticsearch client")
		}
		indexer = search.NewESIndexer(es, cfg.Search.Index)
		logger.Info().Strs("addresses", cfg.Search.Addresses).Msg("search indexing enabled")
	}

	var uploader *attachment.Uploader
	var blobs storage.Storage
	if cfg.Attachments.Enabled {
		blobs, err = storage.New(ctx, cfg.Attachments.Storage)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize attachment storage")
		}
		uploader = attachment.NewUploader(blobs, attachment.Options{
			MaxSize:        cfg.Attachments.MaxSize,
			ThumbnailWidth: cfg.Attachments.ThumbnailWidth,
			URLExpiry:      cfg.Attachments.URLExpiry,
		})
	}

	// Initialize services
	tokens, err := jwt.NewManager(cfg.Auth)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create JWT manager")
	}
	resolver := room.NewResolver(rosters, store)
	chatSvc, err := service.NewChatService(service.ChatDeps{
		Resolver:        resolver,
		Store:           store,
		Aggregator:      conversation.NewAggregator(store, cfg.Chat.SummaryConcurrency),
		Gateway:         gw,
		Tokens:          tokens,
		Producer:        producer,
		Indexer:         indexer,
		SenderIDPattern: cfg.Chat.SenderIDPattern,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create chat service")
	}
	callSvc := service.NewCallService(resolver, relay)

	// REST API on gin
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(pkglog.GinMiddleware(logger))
	handler.NewHandler(chatSvc, callSvc, uploader, middleware.NewAuthMiddleware(tokens)).RegisterRoutes(engine)

	router := mux.NewRouter()
	router.PathPrefix("/api/v1/").Handler(engine)

	plain := router.NewRoute().Subrouter()
	plain.Use(pkglog.HTTPMiddleware(logger))
	handler.NewWSHandler(wsHub, chatSvc, callSvc, cfg.WebSocket).RegisterRoutes(plain)
	handler.NewICEHandler(cfg.WebRTC).RegisterRoutes(plain)
	plain.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if local, ok := blobs.(*storage.LocalStorage); ok {
		prefix := "/" + strings.Trim(cfg.Attachments.Storage.Local.URLPrefix, "/") + "/"
		plain.PathPrefix(prefix).Handler(http.StripPrefix(prefix, http.FileServer(http.Dir(local.BasePath()))))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("talk server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// gRPC health endpoint for orchestrators
	var grpcServer *grpc.Server
	healthSrv := health.NewServer()
	if cfg.GRPC.Enabled {
		grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			logger.Fatal().Str("addr", grpcAddr).Err(err).Msg("failed to listen")
		}
		grpcServer = grpc.NewServer(
			grpc.UnaryInterceptor(pkglog.UnaryServerInterceptor(logger)),
			grpc.StreamInterceptor(pkglog.StreamServerInterceptor(logger)),
		)
		healthpb.RegisterHealthServer(grpcServer, healthSrv)
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

		go func() {
			logger.Info().Str("addr", grpcAddr).Msg("grpc health listening")
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down talk server")
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced to shutdown")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	cancel()
	gw.Wait()
	relay.Wait()

	logger.Info().Msg("talk server stopped")
}
