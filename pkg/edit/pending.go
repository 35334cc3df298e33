package edit

import (
	"context"
)

type Kind string

const (
	KindCreate  Kind = "create"
	KindPatch   Kind = "patch"
	KindDelete  Kind = "delete"
	KindSetup   Kind = "setup"
	KindReplace Kind = "replace"
	KindUndo    Kind = "undo"
)

// Pending is one accepted local edit awaiting the server. Batches are a single Pending.
type Pending struct {
	ID   string
	Path string
	Kind Kind
	// Optimistic is the resource value applied locally before sending, nil for undo.
	Optimistic any

	done chan struct{}
	err  error
}

// Done is closed once the edit was confirmed or rolled back.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the edit resolved and returns its error. Canceling ctx stops the wait, not the edit.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) resolve(err error) {
	p.err = err
	close(p.done)
}
