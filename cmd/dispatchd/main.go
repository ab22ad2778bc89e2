// Command dispatchd wires the Lock Service, Node Registry, Task
// Repository, Dispatcher, and Heartbeat Reconciler into a single
// process. HTTP entry points for task submission, worker registration,
// and audio storage are collaborators at the boundary and live
// elsewhere — this binary exposes only health, metrics, and the
// diagnostic event stream.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/relaycore/dispatchcore/internal/broker"
	"github.com/relaycore/dispatchcore/internal/config"
	"github.com/relaycore/dispatchcore/internal/dispatcher"
	"github.com/relaycore/dispatchcore/internal/eventstream"
	"github.com/relaycore/dispatchcore/internal/heartbeat"
	"github.com/relaycore/dispatchcore/internal/lockservice"
	"github.com/relaycore/dispatchcore/internal/noderegistry"
	"github.com/relaycore/dispatchcore/internal/taskrepo"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("dispatchd: failed to connect to redis at %s: %v", cfg.RedisAddr, err)
	}
	log.Printf("dispatchd: connected to redis at %s", cfg.RedisAddr)

	repo, err := taskrepo.NewPostgresRepository(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("dispatchd: failed to connect to postgres: %v", err)
	}
	defer repo.Close()
	log.Println("dispatchd: connected to postgres")

	brk := broker.NewRedisBroker(redisClient)
	locks := lockservice.New(lockservice.NewRedisBackend(redisClient))
	clock := broker.RealClock{}
	hub := eventstream.NewHub(cfg.EventStreamBufferSize)

	registry := noderegistry.New(brk, repo, locks, clock, noderegistry.Config{
		LivenessWindow:      cfg.LivenessWindow,
		PerNodeCapacity:     cfg.PerNodeCapacity,
		SelectionShardCount: cfg.SelectionShardCount,
		SelectionLockTTL:    cfg.SelectionLockTTL,
		SelectionLockWait:   cfg.SelectionLockWait,
	})

	disp := dispatcher.New(repo, registry, locks, brk, hub, clock, cfg)
	sweepers := disp.Start(ctx)

	reconciler := heartbeat.New(brk, registry, hub, 30*time.Second)
	go reconciler.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	mux.HandleFunc("/diagnostics/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("dispatchd: diagnostics upgrade failed: %v", err)
			return
		}
		hub.Register(ctx, conn)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("dispatchd: listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("dispatchd: http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("dispatchd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("dispatchd: http shutdown: %v", err)
	}

	if err := sweepers.Wait(); err != nil {
		log.Printf("dispatchd: sweeper group: %v", err)
	}
}
