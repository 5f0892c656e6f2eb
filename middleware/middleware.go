// Package middleware implements the staged interceptor chain wrapping every RPC call.
//
// Middlewares attach to one of a fixed set of stages, or relative to an already attached
// middleware by id. Init freezes the order: the concatenation of all stage buckets in
// stage order, followed by the terminal handler that performs the actual dispatch.
package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"fleetrpc/message"
)

// Stage orders middleware buckets.
type Stage int

const (
	StageInit Stage = iota
	StageEarly
	StageLate
	// StageDispatch holds only the terminal handler.
	StageDispatch
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageEarly:
		return "early"
	case StageLate:
		return "late"
	case StageDispatch:
		return "dispatch"
	default:
		return "stage(" + strconv.Itoa(int(s)) + ")"
	}
}

// TerminalID is the id of the terminal handler. Before(TerminalID) attaches at the very end
// of the last stage.
const TerminalID = "dispatch"

var (
	ErrFrozen        = errors.New("middleware: pipeline already initialized")
	ErrAfterTerminal = errors.New("middleware: cannot attach after the terminal handler")
	ErrDuplicateID   = errors.New("middleware: duplicate id")
	ErrUnknownID     = errors.New("middleware: unknown id")
)

// Handler continues the chain.
type Handler func(ctx context.Context, req *message.Request, resp *message.Response) (*message.Response, error)

type Middleware interface {
	// Invoke either calls next to continue or returns its own response to short-circuit.
	Invoke(ctx context.Context, req *message.Request, resp *message.Response, next Handler) (*message.Response, error)
}

// Func adapts a function to Middleware.
type Func func(ctx context.Context, req *message.Request, resp *message.Response, next Handler) (*message.Response, error)

func (f Func) Invoke(ctx context.Context, req *message.Request, resp *message.Response, next Handler) (*message.Response, error) {
	return f(ctx, req, resp, next)
}

// Position says where Add attaches a middleware.
type Position struct {
	stage    Stage
	relative string
	after    bool
}

func At(s Stage) Position { return Position{stage: s} }

func Before(id string) Position { return Position{relative: id} }

func After(id string) Position { return Position{relative: id, after: true} }

func (p Position) String() string {
	switch {
	case p.relative == "":
		return "at:" + p.stage.String()
	case p.after:
		return "after:" + p.relative
	default:
		return "before:" + p.relative
	}
}

type entry struct {
	id string
	mw Middleware
}

type Pipeline struct {
	terminal Handler

	mu      sync.Mutex
	buckets [StageDispatch][]entry
	ids     map[string]bool
	anon    int
	frozen  bool
	chain   []entry
}

func New(terminal Handler) *Pipeline {
	return &Pipeline{
		terminal: terminal,
		ids:      map[string]bool{TerminalID: true},
	}
}

// Add attaches mw at pos. An empty id gets a generated one, which is returned.
func (p *Pipeline) Add(mw Middleware, pos Position, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return "", ErrFrozen
	}
	if id == "" {
		p.anon++
		id = fmt.Sprintf("mw-%d", p.anon)
	}
	if p.ids[id] {
		return "", errors.Wrapf(ErrDuplicateID, "%q", id)
	}
	e := entry{id: id, mw: mw}

	if pos.relative == "" {
		if pos.stage == StageDispatch {
			return "", errors.Wrapf(ErrAfterTerminal, "%s", pos)
		}
		if pos.stage < StageInit || pos.stage > StageDispatch {
			return "", errors.Errorf("middleware: unknown stage %d", pos.stage)
		}
		p.buckets[pos.stage] = append(p.buckets[pos.stage], e)
		p.ids[id] = true
		return id, nil
	}

	if pos.relative == TerminalID {
		if pos.after {
			return "", errors.Wrapf(ErrAfterTerminal, "%s", pos)
		}
		last := StageDispatch - 1
		p.buckets[last] = append(p.buckets[last], e)
		p.ids[id] = true
		return id, nil
	}

	for s := range p.buckets {
		for i, cur := range p.buckets[s] {
			if cur.id != pos.relative {
				continue
			}
			at := i
			if pos.after {
				at = i + 1
			}
			b := append(p.buckets[s], entry{})
			copy(b[at+1:], b[at:])
			b[at] = e
			p.buckets[s] = b
			p.ids[id] = true
			return id, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownID, "%s", pos)
}

// Use attaches mw at stage s with a generated id. It panics on error and is meant for
// static setup.
func (p *Pipeline) Use(s Stage, mw Middleware) {
	if _, err := p.Add(mw, At(s), ""); err != nil {
		panic(err)
	}
}

// Init freezes the order. It is idempotent.
func (p *Pipeline) Init() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initLocked()
}

func (p *Pipeline) initLocked() {
	if p.frozen {
		return
	}
	for _, b := range p.buckets {
		p.chain = append(p.chain, b...)
	}
	p.frozen = true
}

// IDs returns the effective order, the terminal handler last.
func (p *Pipeline) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	if p.frozen {
		for _, e := range p.chain {
			ids = append(ids, e.id)
		}
	} else {
		for _, b := range p.buckets {
			for _, e := range b {
				ids = append(ids, e.id)
			}
		}
	}
	return append(ids, TerminalID)
}

// Call runs the chain, initializing the pipeline on first use.
func (p *Pipeline) Call(ctx context.Context, req *message.Request, resp *message.Response) (*message.Response, error) {
	p.mu.Lock()
	p.initLocked()
	chain := p.chain
	p.mu.Unlock()
	if resp == nil {
		resp = message.NewResponse()
	}
	return p.callStack(chain, 0)(ctx, req, resp)
}

func (p *Pipeline) callStack(chain []entry, i int) Handler {
	if i == len(chain) {
		return p.terminal
	}
	return func(ctx context.Context, req *message.Request, resp *message.Response) (*message.Response, error) {
		return chain[i].mw.Invoke(ctx, req, resp, p.callStack(chain, i+1))
	}
}
