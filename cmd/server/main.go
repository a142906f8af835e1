package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"voxelstream.ai/internal/persistence/indexdb"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/protocol"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/sim/world/terrain/gen"
	"voxelstream.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite arrival index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
		tune.Normalize()
	}

	g := gen.New(genConfig(tune))
	srv, err := ws.NewServer(g, protocol.WorldParams{Seed: tune.WorldGen.Seed, Mode: tune.WorldGen.Mode}, logger)
	if err != nil {
		logger.Fatalf("ws server: %v", err)
	}
	defer srv.Close()

	serverDir := filepath.Join(*dataDir, "server")
	_ = os.MkdirAll(serverDir, 0o755)

	streamLog := persistlog.NewStreamLogger(serverDir, logger)
	defer streamLog.Close()
	defer srv.Cache().Subscribe(streamLog).Unsubscribe()

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(serverDir, "index.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		defer srv.Cache().Subscribe(idx.Handler()).Unsubscribe()
	}

	ctx, cancel := signalContext()
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(rw, "# HELP voxelstream_resident_chunks Chunks held by the authoritative cache.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_resident_chunks gauge\n")
		fmt.Fprintf(rw, "voxelstream_resident_chunks %d\n", srv.Cache().Len())

		fmt.Fprintf(rw, "# HELP voxelstream_sessions Connected sessions.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_sessions gauge\n")
		fmt.Fprintf(rw, "voxelstream_sessions %d\n", srv.SessionCount())

		fmt.Fprintf(rw, "# HELP voxelstream_stream_log_failures_total Stream log records that failed to write.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_stream_log_failures_total counter\n")
		fmt.Fprintf(rw, "voxelstream_stream_log_failures_total %d\n", streamLog.Failed())

		if idx != nil {
			st := idx.Stats()
			fmt.Fprintf(rw, "# HELP voxelstream_index_queue_depth Index writer backlog.\n")
			fmt.Fprintf(rw, "# TYPE voxelstream_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "voxelstream_index_queue_depth %d\n", st.QueueDepth)
			fmt.Fprintf(rw, "# HELP voxelstream_index_dropped_total Index writes dropped on a full queue.\n")
			fmt.Fprintf(rw, "# TYPE voxelstream_index_dropped_total counter\n")
			fmt.Fprintf(rw, "voxelstream_index_dropped_total{kind=%q} %d\n", "event", st.DropEventTotal)
			fmt.Fprintf(rw, "voxelstream_index_dropped_total{kind=%q} %d\n", "arrival", st.DropArrivalTotal)
		}
	})

	if envBool("VS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				Tuning   tuning.Tuning `json:"tuning"`
				Chunks   int           `json:"chunks"`
				Sessions int           `json:"sessions"`
			}{
				Tuning:   tune,
				Chunks:   srv.Cache().Len(),
				Sessions: srv.SessionCount(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
	} else {
		logger.Printf("admin endpoints disabled (VS_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("VS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", srv.Handler())

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = httpSrv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s mode=%s seed=%d column_height=%d", *addr, tune.WorldGen.Mode, tune.WorldGen.Seed, g.ColumnHeight())
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func genConfig(t tuning.Tuning) gen.Config {
	return gen.Config{
		Seed:           t.WorldGen.Seed,
		Mode:           t.WorldGen.Mode,
		ColumnHeight:   t.Streaming.ColumnHeight,
		FlatHeight:     t.WorldGen.FlatHeight,
		BaseHeight:     t.WorldGen.BaseHeight,
		NoiseAmplitude: t.WorldGen.NoiseAmplitude,
		NoiseScale:     t.WorldGen.NoiseScale,
		OrePermille:    t.WorldGen.OrePermille,
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

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
