package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/viz"
)

// Offline debugging tool: rebuilds a note's state from the database, lists its
// change history, and optionally renders the change DAG as SVG.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dbVar := flag.String("db", "notesync.sqlite3", "the sqlite database to read")
	noteVar := flag.String("note", "default", "the note to inspect")
	svgVar := flag.String("svg", "", "write the change DAG as SVG to this path")
	labelVar := flag.String("label", "counter", "the doc path whose value labels each change node")
	flag.Parse()

	st, err := store.Open(*dbVar)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	rec, err := st.GetNote(ctx, *noteVar)
	if err != nil {
		return err
	}

	doc := automerge.New()
	if len(rec.Base) > 0 {
		if doc, err = automerge.Load(rec.Base); err != nil {
			return fmt.Errorf("failed to load base state: %w", err)
		}
	}
	tail, err := st.UpdatesSince(ctx, rec.ID, rec.BaseSeq)
	if err != nil {
		return err
	}
	for _, u := range tail {
		if err := doc.LoadIncremental(u.Fragment); err != nil {
			return fmt.Errorf("failed to replay update %d: %w", u.Seq, err)
		}
	}

	slog.Info("loaded note", "id", rec.ID, "title", rec.Title, "base_seq", rec.BaseSeq, "tail", len(tail))
	slog.Info("heads", "heads", doc.Heads())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	if *svgVar != "" {
		f, err := os.Create(*svgVar)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := viz.RenderHistory(doc, []interface{}{*labelVar}, f); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}
