package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/notesync/pkg/batch"
	"github.com/astromechza/notesync/pkg/config"
	"github.com/astromechza/notesync/pkg/wire"
)

// A reference client: joins a note, reconstructs state from the bootstrap
// event, applies incoming fragments, and makes random local edits that are
// coalesced by the batching policy before being flushed to the server.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the server address")
	noteVar := flag.String("note", "default", "the note to join")
	tokenVar := flag.String("token", "", "the auth token (uid:name in insecure mode)")
	configVar := flag.String("config", "", "path to an optional yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	token := *tokenVar
	if token == "" {
		token = fmt.Sprintf("u%d:anonymous-%d", os.Getpid(), os.Getpid())
	}

	u := url.URL{Scheme: "ws", Host: *addrVar, Path: "/notes/" + *noteVar + "/sync"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wire.MustEncode(wire.TypeJoin, wire.Join{Token: token, NoteID: *noteVar})); err != nil {
		return fmt.Errorf("failed to send join: %w", err)
	}

	var env wire.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return fmt.Errorf("failed to read bootstrap: %w", err)
	}
	if env.Type == wire.TypeError {
		var werr wire.Error
		_ = env.Decode(&werr)
		return fmt.Errorf("join rejected: %s", werr.Message)
	}
	var boot wire.Bootstrap
	if err := env.Decode(&boot); err != nil {
		return err
	}

	doc := automerge.New()
	if len(boot.Content) > 0 {
		if doc, err = automerge.Load(boot.Content); err != nil {
			return fmt.Errorf("failed to load base state: %w", err)
		}
	}
	for i, fragment := range boot.Fragments {
		if err := doc.LoadIncremental(fragment); err != nil {
			return fmt.Errorf("failed to apply bootstrap fragment %d: %w", i, err)
		}
	}
	// reset the incremental cursor so the first flush only carries local edits
	_ = doc.SaveIncremental()
	slog.Info("joined", "note", *noteVar, "title", boot.Title, "roster", boot.Roster, "heads", doc.Heads())

	var docMu sync.Mutex
	var connMu sync.Mutex
	send := func(env wire.Envelope) error {
		connMu.Lock()
		defer connMu.Unlock()
		return conn.WriteJSON(env)
	}

	flusher := batch.New(cfg.Batch.Quiet, cfg.Batch.Ceiling, func() {
		docMu.Lock()
		fragment := doc.SaveIncremental()
		docMu.Unlock()
		if len(fragment) == 0 {
			return
		}
		if err := send(wire.MustEncode(wire.TypeUpdate, wire.Update{NoteID: *noteVar, Fragment: fragment})); err != nil {
			slog.Error("failed to send update", "err", err)
		} else {
			slog.Info("flushed batch", "bytes", len(fragment))
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var env wire.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				slog.Info("connection closed", "err", err)
				return
			}
			switch env.Type {
			case wire.TypeUpdate:
				var update wire.Update
				if err := env.Decode(&update); err != nil {
					slog.Error("bad update event", "err", err)
					continue
				}
				docMu.Lock()
				if err := doc.LoadIncremental(update.Fragment); err != nil {
					slog.Error("failed to apply remote fragment", "err", err)
				}
				docMu.Unlock()
			case wire.TypeRosterChanged:
				var roster wire.RosterChanged
				_ = env.Decode(&roster)
				slog.Info("roster changed", "roster", roster.Roster)
			case wire.TypeCursor:
				// display only, nothing to merge
			case wire.TypeError:
				var werr wire.Error
				_ = env.Decode(&werr)
				slog.Warn("server rejected an event", "message", werr.Message)
			}
		}
	}()

	stopEdits := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			t := time.NewTimer(time.Duration(100+rand.Intn(400)) * time.Millisecond)
			select {
			case <-t.C:
				docMu.Lock()
				err := doc.Path("counter").Counter().Inc(1)
				docMu.Unlock()
				if err != nil {
					slog.Error("failed to edit", "err", err)
				} else {
					flusher.Mark()
				}
			case <-stopEdits:
				t.Stop()
				return
			}
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-done:
	}
	close(stopEdits)
	wg.Wait()
	// teardown flush so no pending local edits are stranded
	flusher.Close()
	_ = conn.Close()
	<-done

	docMu.Lock()
	value, _ := doc.Path("counter").Counter().Get()
	docMu.Unlock()
	slog.Info("final state", "counter", value, "heads", doc.Heads())
	return nil
}
