package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/notesync/pkg/config"
	"github.com/astromechza/notesync/pkg/engine"
	"github.com/astromechza/notesync/pkg/hub"
	"github.com/astromechza/notesync/pkg/identity"
	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/versions"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to an optional yaml config file")
	addrVar := flag.String("addr", "", "the address to listen on (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.Addr = *addrVar
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	slog.Info("Opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(); err != nil {
		return err
	}

	// development convenience so a fresh server has something to sync against;
	// real note creation belongs to the surrounding document service
	if err := st.EnsureNote(context.Background(), "default", "default"); err != nil {
		return err
	}

	eng := engine.New(st)
	h := hub.New(eng, st, hub.Mode(cfg.Sync.Mode))
	vm := versions.New(st, h, eng, cfg.Snapshot.MinUpdates)
	if cfg.Sync.Mode == config.SyncModeLWW {
		slog.Warn("running in degraded last-writer-wins mode: concurrent edits will not merge")
	}

	var verifier identity.Verifier
	switch cfg.Auth.Mode {
	case "static":
		tokens := make(map[string]identity.Identity, len(cfg.Auth.Tokens))
		for token, id := range cfg.Auth.Tokens {
			tokens[token] = identity.Identity{ID: id.ID, Name: id.Name}
		}
		verifier = identity.NewStaticVerifier(tokens)
	default:
		slog.Warn("using insecure token verification, tokens are uid:name pairs")
		verifier = identity.InsecureVerifier{}
	}

	s := &server{
		store:       st,
		hub:         h,
		versions:    vm,
		verifier:    verifier,
		idleTimeout: cfg.Session.IdleTimeout,
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet).Path("/ready").HandlerFunc(s.handleReady)
	r.Methods(http.MethodGet).Path("/notes/{note}/versions").HandlerFunc(s.handleListVersions)
	r.Methods(http.MethodGet).Path("/notes/{note}/versions/{version}").HandlerFunc(s.handleGetVersion)
	r.Methods(http.MethodPost).Path("/notes/{note}/versions/{version}/restore").HandlerFunc(s.handleRestore)
	r.Methods(http.MethodGet).Path("/notes/{note}/sync").HandlerFunc(s.handleSync)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		runCompaction(ctx, eng, st, cfg.Snapshot.CompactInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.Snapshot.Interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				vm.CaptureDue(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: r}
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.Addr, "mode", cfg.Sync.Mode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()
	wg.Wait()

	// one last writeback so the base states are fresh on the next boot
	compactOnce(context.Background(), eng, st)
	return nil
}

// runCompaction periodically writes each loaded note's full state back to the
// database so bootstrap tails stay short.
func runCompaction(ctx context.Context, eng *engine.Engine, st *store.Store, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			compactOnce(ctx, eng, st)
		case <-ctx.Done():
			return
		}
	}
}

func compactOnce(ctx context.Context, eng *engine.Engine, st *store.Store) {
	for _, ns := range eng.ActiveNotes() {
		save, seq, err := eng.FullState(ns.NoteID)
		if err != nil {
			continue
		}
		if changed, err := st.SaveBase(ctx, ns.NoteID, save, seq); err != nil {
			slog.Error("failed to write back base state", "note", ns.NoteID, "err", err)
		} else if changed {
			slog.Info("compacted", "note", ns.NoteID, "base_seq", seq)
		}
	}
}
