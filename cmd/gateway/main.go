// Command gateway is the process entrypoint. It decodes configuration
// from the environment, wires every internal package together, and
// serves HTTP until SIGINT/SIGTERM, following the teacher's
// services/basic/basic.go startup shape, generalized with the graceful
// shutdown pattern the rest of the retrieved pack's service entrypoints
// use around http.Server.Shutdown.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/cascata/gateway/internal/config"
	"github.com/cascata/gateway/internal/data"
	"github.com/cascata/gateway/internal/gateway"
	"github.com/cascata/gateway/internal/logging"
	"github.com/cascata/gateway/internal/pg"
	"github.com/cascata/gateway/internal/pool"
	"github.com/cascata/gateway/internal/ratelimit"
	"github.com/cascata/gateway/internal/realtime"
	"github.com/cascata/gateway/internal/secretbox"
	"github.com/cascata/gateway/internal/tenant"
)

const controlPlaneDBName = "cascata_control"

func main() {
	logging.Init(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	controlDB, err := pg.OpenControlPlane(cfg.DirectDSN(controlPlaneDBName), "control")
	if err != nil {
		log.Fatalf("cannot open control-plane database: %v", err)
	}
	defer controlDB.Close()

	box, err := secretbox.New(cfg.SysSecret)
	if err != nil {
		log.Fatal(err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})

	limiter := ratelimit.New(ratelimit.DefaultRule)

	directory, err := tenant.New(controlDB, box, limiter, os.Getenv("SYSTEM_HOSTNAME"))
	if err != nil {
		log.Fatalf("cannot open tenant directory: %v", err)
	}

	pools := pool.New(cfg.MaxActivePools)
	pools.StartReaper(30*time.Second, 5*time.Minute)
	defer pools.StopReaper()
	defer pools.CloseAll()

	dataController := data.New()
	realtimeBridge := realtime.New()

	gw, err := gateway.New(gateway.Config{
		Env:            cfg,
		ControlDB:      controlDB,
		Directory:      directory,
		Pools:          pools,
		Limiter:        limiter,
		Data:           dataController,
		Redis:          rdb,
		Realtime:       realtimeBridge,
		AdminSecret:    cfg.SystemJWTSecret,
		SystemHostname: os.Getenv("SYSTEM_HOSTNAME"),
	})
	if err != nil {
		log.Fatalf("cannot build gateway: %v", err)
	}

	ctx, cancelWorkers := context.WithCancel(context.Background())
	if cfg.ServiceMode == config.ServiceModeAPI || cfg.ServiceMode == config.ServiceModeWorker {
		gw.StartWorkers(ctx)
	}

	server := &http.Server{
		Addr:    ":" + itoa(cfg.Port),
		Handler: gw.Router(),
	}

	go func() {
		log.Printf("listening on %s in %s mode", server.Addr, cfg.ServiceMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	gw.StopWorkers()
	cancelWorkers()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
