package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"lockngo/config"
	"lockngo/engine"
	"lockngo/lockerstate"
	"lockngo/messaging"
	"lockngo/store"
	"lockngo/www"
)

var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "lockngo.yaml", "path to config file")
	flag.Parse()

	if *showVersion {
		fmt.Println("lockngo", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Database
	db, err := store.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	log.Printf("lockngo: database open (%s)", cfg.Database.Driver)

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	var mirror lockerstate.Mirror
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("lockngo: redis not available (%v), running without mirror", err)
	} else {
		log.Printf("lockngo: redis connected (%s)", cfg.Redis.Address)
		mirror = lockerstate.NewRedisStore(redisClient)
	}
	cancel()

	// Locker state
	states := lockerstate.NewManager(db, mirror)
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := states.Load(loadCtx); err != nil {
		log.Fatalf("load lockers: %v", err)
	}
	loadCancel()
	log.Printf("lockngo: %d lockers loaded", states.Len())

	// Messaging client
	msgClient := messaging.NewClient(&cfg.Messaging)
	if err := msgClient.Connect(); err != nil {
		log.Printf("lockngo: messaging connect failed (%v)", err)
	} else {
		log.Printf("lockngo: messaging connected (%s)", cfg.Messaging.Backend)
	}
	defer msgClient.Close()

	// Engine
	eng := engine.New(engine.Config{
		AppConfig:   cfg,
		ConfigPath:  *configPath,
		DB:          db,
		LockerState: states,
		MsgClient:   msgClient,
		Redis:       redisClient,
	})
	if err := eng.Start(context.Background()); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer eng.Stop()

	// Controller status (inbound)
	consumer := messaging.NewConsumer(msgClient, eng.Coordinator())
	if err := consumer.Start(); err != nil {
		log.Printf("lockngo: consumer start failed: %v", err)
	}

	// Outbox drainer (outbound locker events)
	drainer := messaging.NewOutboxDrainer(db, msgClient, cfg.Messaging.OutboxDrainInterval, cfg.Messaging.OutboxBatchSize)
	drainer.Start()
	defer drainer.Stop()

	// Web server
	handler, stopWeb := www.NewRouter(eng)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("lockngo: web server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("web server: %v", err)
		}
	}()

	log.Printf("lockngo: ready (station %s)", cfg.StationID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("lockngo: shutting down...")
	stopWeb()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	log.Printf("lockngo: stopped")
}
