package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blockworld.io/internal/config"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/server.yaml", "server config path (empty for defaults)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (audit rows + snapshot metadata)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "restore each world from its latest snapshot in the data dir")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	idx, err := openRuntimeIndex(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	rt, err := newServerRuntime(cfg, *dataDir, idx, logger)
	if err != nil {
		logger.Fatalf("runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.restore(*loadLatest); err != nil {
		logger.Fatalf("restore: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		runSnapshotLoop(ctx, rt, time.Duration(cfg.SnapshotEverySeconds)*time.Second)
	}()

	enableAdminHTTP := envBool("BW_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("BW_ENABLE_PPROF_HTTP", false)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           buildMux(rt, enableAdminHTTP, enablePprofHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s worlds=%v", *addr, rt.store.Worlds())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	cancel()
	<-snapDone
	if _, err := rt.snapshotAll(time.Now()); err != nil {
		logger.Printf("final snapshot: %v", err)
	}
	logger.Printf("stopped")
}

// runSnapshotLoop snapshots every world each interval until ctx is done.
func runSnapshotLoop(ctx context.Context, rt *serverRuntime, every time.Duration) {
	if every <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			_, _ = rt.snapshotAll(now)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
