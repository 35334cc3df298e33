// Package viz renders the undo history of a table as a graphviz chain, oldest revision first.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/tablesync/pkg/room"
)

// Change summarises how one revision of a table differs from the previous one.
type Change struct {
	Added   int
	Removed int
	Changed int
}

func (c Change) String() string {
	return fmt.Sprintf("+%d -%d ~%d", c.Added, c.Removed, c.Changed)
}

func Diff(previous, next room.Table) Change {
	var c Change
	for _, p := range next {
		old, ok := previous.Find(p.ID)
		switch {
		case !ok:
			c.Added++
		case old != p:
			c.Changed++
		}
	}
	for _, p := range previous {
		if next.Index(p.ID) < 0 {
			c.Removed++
		}
	}
	return c
}

// RenderRevisions writes an SVG with one node per revision and an edge from each revision to the next.
func RenderRevisions(revisions []room.Table, out io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	var previous *cgraph.Node
	for i, revision := range revisions {
		n, err := graph.CreateNode("r" + strconv.Itoa(i))
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		label := fmt.Sprintf("#%d %d pieces", i, len(revision))
		if i > 0 {
			label += " " + Diff(revisions[i-1], revision).String()
		}
		if i == len(revisions)-1 {
			label += " (current)"
		}
		n.SetLabel(label)

		if previous != nil {
			if _, err := graph.CreateEdge(strconv.Itoa(i), previous, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
		previous = n
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := out.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(revisions []room.Table) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	f, err := os.Create(tf)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	if err := RenderRevisions(revisions, f); err != nil {
		return "", err
	}
	return tf, nil
}
