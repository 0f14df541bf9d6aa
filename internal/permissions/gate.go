// Package permissions answers camera and microphone authorization requests.
package permissions

import (
	"context"
	"fmt"
	"sync"
)

type Kind string

const (
	Camera     Kind = "camera"
	Microphone Kind = "microphone"
)

// Policy names accepted in configuration.
const (
	PolicyGranted = "granted"
	PolicyDenied  = "denied"
)

// Prompter asks the user for access. It may block until the user answers.
type Prompter func(ctx context.Context, k Kind) (bool, error)

// Gate remembers granted kinds and only prompts for the rest.
type Gate struct {
	mu         sync.Mutex
	authorized map[Kind]bool
	prompt     Prompter
}

func NewGate(p Prompter) *Gate {
	return &Gate{authorized: make(map[Kind]bool), prompt: p}
}

// FromPolicy builds a gate whose prompt always answers according to policy.
func FromPolicy(policy string) (*Gate, error) {
	switch policy {
	case "", PolicyGranted:
		return NewGate(func(context.Context, Kind) (bool, error) { return true, nil }), nil
	case PolicyDenied:
		return NewGate(func(context.Context, Kind) (bool, error) { return false, nil }), nil
	default:
		return nil, fmt.Errorf("unknown permission policy %q", policy)
	}
}

// Request resolves exactly once per call: true when access is (or becomes)
// authorized. A denial is not cached, so a later call prompts again.
func (g *Gate) Request(ctx context.Context, k Kind) (bool, error) {
	g.mu.Lock()
	ok := g.authorized[k]
	g.mu.Unlock()
	if ok {
		return true, nil
	}

	type answer struct {
		ok  bool
		err error
	}
	done := make(chan answer, 1)
	go func() {
		ok, err := g.prompt(ctx, k)
		done <- answer{ok, err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-done:
		if a.err != nil {
			return false, a.err
		}
		if a.ok {
			g.mu.Lock()
			g.authorized[k] = true
			g.mu.Unlock()
		}
		return a.ok, nil
	}
}
