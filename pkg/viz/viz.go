// Package viz renders a note's change history as a graphviz DAG: one node per
// automerge change labelled with the value at a chosen path as of that change,
// edges following the dependency hashes. Used by cmd/inspect for offline
// debugging of a synced note.
package viz

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderHistory writes an SVG of the doc's change DAG to w. labelPath selects
// the value shown per node (e.g. []interface{}{"title"}); an empty path shows
// only the change identity.
func RenderHistory(doc *automerge.Doc, labelPath []interface{}, w io.Writer) error {
	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to set up graph: %w", err)
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}

	nodes := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(nodeLabel(doc, change, labelPath))
		nodes[n.Name()] = n

		for _, dep := range change.Dependencies() {
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), nodes[dep.String()], n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func nodeLabel(doc *automerge.Doc, change *automerge.Change, labelPath []interface{}) string {
	label := fmt.Sprintf("%s %s@%d", change.Hash().String()[:8], change.ActorID(), change.ActorSeq())
	if len(labelPath) == 0 {
		return label
	}
	asOf, err := doc.Fork(change.Hash())
	if err != nil {
		return label
	}
	var raw interface{}
	if value, err := asOf.Path(labelPath...).Get(); err == nil {
		raw = value.Interface()
	}
	if encoded, err := json.Marshal(raw); err == nil {
		label += " " + string(encoded)
	}
	return label
}
