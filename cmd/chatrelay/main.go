package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/tehcyx/chatrelay/internal/config"
	"github.com/tehcyx/chatrelay/internal/logging"
	"github.com/tehcyx/chatrelay/pkg/metrics"
	"github.com/tehcyx/chatrelay/pkg/redis"
	"github.com/tehcyx/chatrelay/pkg/server"
	"github.com/tehcyx/chatrelay/pkg/version"
)

// countFlag counts how often a boolean style flag was given, e.g. -v -v.
type countFlag int

func (c *countFlag) String() string   { return strconv.Itoa(int(*c)) }
func (c *countFlag) IsBoolFlag() bool { return true }
func (c *countFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if v {
		*c++
	}
	return nil
}

func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	defaultPath, err := config.DefaultPath()
	if err != nil {
		defaultPath = ""
	}

	var (
		configPath = flag.String("config", defaultPath, "path to the YAML configuration file")
		host       = flag.String("host", "", "address to listen on (overrides config)")
		port       = flag.Uint("port", 0, "port to listen on (overrides config)")
		debug      = flag.Bool("debug", false, "enable debug logging")
		verbose    countFlag
	)
	flag.Var(&verbose, "v", "increase verbosity, may be repeated")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *host != "" {
		conf.Server.Host = *host
	}
	if *port != 0 {
		if *port > 65535 {
			log.Fatalf("Invalid port %d", *port)
		}
		conf.Server.Port = uint16(*port)
	}
	conf.Server.Debug = conf.Server.Debug || *debug
	conf.Server.Verbose += int(verbose)

	logging.Setup(os.Stderr, conf.Server.Debug, conf.Server.Verbose)
	log.Printf("Launching %s %s...", conf.Server.Name, version.GetVersion())

	opts := server.Options{
		Framing:           server.Framing(conf.Server.Framing),
		ReadBufferSize:    conf.Server.ReadBufferSize,
		EventQueueSize:    conf.Server.EventQueueSize,
		OutboundQueueSize: conf.Server.OutboundQueueSize,
		SlowClientPolicy:  server.SlowClientPolicy(conf.Server.SlowClientPolicy),
	}

	var redisClient *redis.Client
	if conf.Redis.Enabled {
		log.Println("Redis enabled, initializing presence directory...")
		podID := conf.Redis.PodID
		if podID == "" {
			podID = uuid.Must(uuid.NewRandom()).String()
			log.Printf("Generated pod ID: %s", podID)
		}
		redisClient, err = redis.NewClient(conf.Redis.URL, podID)
		if err != nil {
			log.Errorf("Failed to initialize Redis client: %v", err)
			log.Println("Continuing without presence directory...")
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := redisClient.RegisterPod(ctx, version.GetVersion()); err != nil {
				log.Errorf("Failed to register pod: %v", err)
			}
			cancel()
			opts.Presence = server.RedisPresence{Client: redisClient}
			opts.Redis = redisClient
		}
	}

	if conf.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			log.Printf("metrics listening at %s", conf.Metrics.Addr)
			if err := http.ListenAndServe(conf.Metrics.Addr, mux); err != nil {
				log.Errorf("metrics listener stopped: %v", err)
			}
		}()
	}

	srv, err := server.New(opts)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ln, err := net.Listen("tcp", conf.Addr())
	if err != nil {
		log.Fatal(fmt.Errorf("listen failed, port possibly in use already: %w", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		log.Println("Received shutdown signal, starting graceful shutdown...")
	case err := <-serveErr:
		if !errors.Is(err, server.ErrServerClosed) {
			log.Errorf("Listener failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Shutdown did not complete: %v", err)
	}

	if redisClient != nil {
		log.Println("Cleaning up Redis state...")
		if err := redisClient.GracefulShutdown(shutdownCtx); err != nil {
			log.Errorf("Failed to cleanup Redis state: %v", err)
		}
		if err := redisClient.Close(); err != nil {
			log.Errorf("Failed to close Redis connection: %v", err)
		}
	}

	log.Printf("Shutting down server. Bye!")
}
