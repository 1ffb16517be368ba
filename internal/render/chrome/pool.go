package chrome

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seoshield/proxy/pkg/types"
)

// Pool manages PoolSize browser instances behind a FIFO queue of free
// slots. Acquire blocks until an instance is available; dead or aged-out
// instances are restarted on the way out.
type Pool struct {
	config    *Config
	blocklist *Blocklist
	logger    *zap.Logger

	mu        sync.RWMutex
	instances []*Instance
	free      chan int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool validates the config and starts all browser processes up front,
// so a misconfigured environment fails at boot rather than on the first
// crawler hit.
func NewPool(cfg *Config, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config:    cfg,
		blocklist: NewBlocklist(cfg.ExtraBlockedDomains, cfg.ExtraBlockedPaths),
		logger:    logger,
		instances: make([]*Instance, cfg.PoolSize),
		free:      make(chan int, cfg.PoolSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.PoolSize; i++ {
		inst, err := NewInstance(i, logger)
		if err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("create browser instance %d: %w", i, err)
		}
		p.instances[i] = inst
		p.free <- i
	}

	logger.Info("browser pool initialized", zap.Int("instances", cfg.PoolSize))
	return p, nil
}

// Acquire blocks until an instance is free or the pool shuts down.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	select {
	case <-p.ctx.Done():
		return nil, ErrPoolShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	case id := <-p.free:
		p.mu.RLock()
		inst := p.instances[id]
		p.mu.RUnlock()

		if !inst.IsAlive() || inst.RendersDone() >= int32(p.config.MaxRequestsPerInstance) {
			p.logger.Info("recycling browser instance",
				zap.Int("instance_id", id),
				zap.Int32("renders_done", inst.RendersDone()),
				zap.Bool("alive", !inst.dead.Load()))
			if err := inst.Restart(); err != nil {
				p.release(id)
				return nil, fmt.Errorf("%w: instance %d restart failed: %v", ErrInstanceDead, id, err)
			}
		}
		return inst, nil
	}
}

// Release returns an instance to the free queue.
func (p *Pool) Release(inst *Instance) {
	p.release(inst.ID)
}

func (p *Pool) release(id int) {
	select {
	case p.free <- id:
	case <-p.ctx.Done():
	}
}

// Render acquires an instance, runs one job and releases the instance.
func (p *Pool) Render(ctx context.Context, req *Request) (*types.RenderResult, error) {
	inst, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(inst)

	return p.renderOn(ctx, inst, req)
}

// Shutdown tears down every instance. In-flight renders are cancelled via
// their tab contexts.
func (p *Pool) Shutdown() {
	p.cancel()

	deadline := time.After(5 * time.Second)
	for drained := 0; drained < cap(p.free); {
		select {
		case <-p.free:
			drained++
		case <-deadline:
			drained = cap(p.free)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		if inst != nil {
			inst.Stop()
		}
	}
	p.logger.Info("browser pool shut down")
}
