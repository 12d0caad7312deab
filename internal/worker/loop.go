package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Loop spawns an in-process worker running Run in its own goroutine.
// Run must return once ctx is cancelled. A goroutine cannot be killed, so
// a Loop that ignores cancellation is abandoned by a forced stop.
type Loop struct {
	Name string
	Run  func(ctx context.Context, env Env) error
}

// Spawn starts the loop goroutine
func (l *Loop) Spawn(ctx context.Context, env Env) (Process, error) {
	if l.Run == nil {
		return nil, errors.New("loop has no run function")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p := &loopProcess{
		id:     fmt.Sprintf("%s-%s", l.Name, uuid.NewString()),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.err = fmt.Errorf("%s panicked: %v", l.Name, r)
			}
		}()

		err := l.Run(loopCtx, env)
		if err == nil && loopCtx.Err() == nil {
			err = errors.New("loop returned unexpectedly")
		}
		if errors.Is(err, context.Canceled) && loopCtx.Err() != nil {
			err = nil
		}
		p.err = err
	}()

	return p, nil
}

type loopProcess struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	err    error // written before done is closed
}

func (p *loopProcess) ID() string {
	return p.id
}

func (p *loopProcess) Done() <-chan struct{} {
	return p.done
}

func (p *loopProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *loopProcess) Terminate() error {
	p.cancel()
	return nil
}

func (p *loopProcess) Kill() error {
	p.cancel()
	return nil
}
