package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"blockcollab/backend/config"
	"blockcollab/backend/internal/auth"
	"blockcollab/backend/internal/cache"
	"blockcollab/backend/internal/collab"
	"blockcollab/backend/internal/httpapi"
	"blockcollab/backend/internal/store"
	"blockcollab/backend/internal/ws"
)

func newRedis(cfg *config.Config) redis.UniversalClient {
	if cfg.Redis.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
	}
	addr := "127.0.0.1:6379"
	if len(cfg.Redis.Addrs) > 0 {
		addr = cfg.Redis.Addrs[0]
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password})
}

func newStore(cfg *config.Config) (store.BlockStore, error) {
	if cfg.Mysql.DSN == "" {
		log.Printf("mysql dsn empty, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		return nil, err
	}
	return store.NewGormStore(db), nil
}

func main() {
	cfg, err := config.Load("blockServer")
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	origin := cfg.Running.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	log.Printf("config: port=%d redis=%v kafka=%v origin=%s", cfg.Running.Port, cfg.Redis.Addrs, cfg.Kafka.Brokers, origin)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := newRedis(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatalf("ping redis failed: %v", err)
	}
	defer rdb.Close()

	st, err := newStore(cfg)
	if err != nil {
		log.Fatalf("open mysql failed: %v", err)
	}

	svc := collab.NewBlockService(st, cache.NewRedisLeases(rdb), cache.NewRedisPresence(rdb), collab.Options{
		LockTTL:     cfg.Lock.TTL,
		WriteSlots:  cfg.Lock.WriteSlots,
		AcquireWait: cfg.Lock.AcquireWait,
		Origin:      origin,
	})
	hub := ws.NewHub(svc)
	svc.SetNotifier(hub)
	go hub.RunPresenceSweep(ctx, svc, 10*time.Second)

	if cfg.KafkaEnabled() {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer needs Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		kafkaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest

		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("connect kafka failed: %v", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(8),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
			})
		defer dispatcher.Close()
		svc.SetDispatcher(dispatcher)

		// every instance needs every event, so each gets its own group
		group, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.Group+"-"+origin, kafkaCfg)
		if err != nil {
			log.Fatalf("create kafka consumer group failed: %v", err)
		}
		defer group.Close()
		go collab.NewChangeConsumer(origin, hub).Run(ctx, group, []string{cfg.Kafka.Topic})
	}

	if !cfg.HTTP.Logging {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.RouterOptions{
		Service:    svc,
		Sockets:    ws.NewManager(hub, svc, cfg.HTTP.AllowedOrigins),
		Verifier:   auth.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer),
		EnableCORS: cfg.HTTP.EnableCORS,
		Logging:    cfg.HTTP.Logging,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("block server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	hub.Wait()
	log.Printf("block server stopped")
}
