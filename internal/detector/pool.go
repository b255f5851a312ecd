package detector

import (
	"context"
	"errors"
	"sync"

	"github.com/andresmejia3/wallsight/internal/types"
	"github.com/sirupsen/logrus"
)

// Breakable is implemented by engines that can become unusable after an abandoned call.
type Breakable interface {
	Broken() bool
}

// Pool spreads calls over several engines. Each call holds one engine exclusively,
// so the pool size bounds concurrent inference.
type Pool struct {
	// Respawn, when set, replaces an engine that reports Broken after a call.
	Respawn func(ctx context.Context, slot int) (Detector, error)

	idle    chan int
	mu      sync.Mutex
	engines []Detector
}

// NewPool takes ownership of the given engines.
func NewPool(engines ...Detector) *Pool {
	p := &Pool{idle: make(chan int, len(engines)), engines: engines}
	for slot := range engines {
		p.idle <- slot
	}
	return p
}

// Size is the number of engines in the pool.
func (p *Pool) Size() int {
	return len(p.engines)
}

func (p *Pool) Detect(ctx context.Context, in Input, threshold float64) ([]types.Detection, error) {
	if len(p.engines) == 0 {
		return nil, errors.New("detector pool is empty")
	}
	var slot int
	select {
	case slot = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.idle <- slot }()

	// A previous failed respawn leaves a broken engine in the slot; try again first.
	if err := p.repair(ctx, slot); err != nil {
		return nil, err
	}

	p.mu.Lock()
	engine := p.engines[slot]
	p.mu.Unlock()

	dets, err := engine.Detect(ctx, in, threshold)
	if rerr := p.repair(ctx, slot); rerr != nil {
		logrus.WithFields(logrus.Fields{"function": "Pool.Detect", "slot": slot}).WithError(rerr).Error("Engine respawn failed")
	}
	return dets, err
}

// repair swaps a broken engine in slot for a fresh one. The caller holds the slot.
func (p *Pool) repair(ctx context.Context, slot int) error {
	p.mu.Lock()
	engine := p.engines[slot]
	p.mu.Unlock()

	b, ok := engine.(Breakable)
	if !ok || !b.Broken() || p.Respawn == nil {
		return nil
	}

	log := logrus.WithFields(logrus.Fields{"function": "Pool.repair", "slot": slot})
	log.Warn("Engine is broken, starting a replacement")
	if err := engine.Close(); err != nil {
		log.WithError(err).Debug("Closing broken engine failed")
	}
	// The replacement outlives the call that triggered it.
	fresh, err := p.Respawn(context.WithoutCancel(ctx), slot)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.engines[slot] = fresh
	p.mu.Unlock()
	return nil
}

// Close closes every engine and joins their errors.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, e := range p.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
