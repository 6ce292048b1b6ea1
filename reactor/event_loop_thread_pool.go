package reactor

import (
	"fmt"
	"strings"
)

// EventLoopThreadPool owns the worker loops of a server. All methods except
// Stop run on the base loop.
type EventLoopThreadPool struct {
	baseLoop   *EventLoop
	name       string
	config     Config
	numThreads int
	started    bool
	next       int
	threads    []*EventLoopThread
	loops      []*EventLoop
}

// NewEventLoopThreadPool creates an idle pool.
//
// Parameters:
//   - name: Prefix of the worker loop names
//   - cfg: Template configuration of every worker loop
//
// Returns:
//   - A new *EventLoopThreadPool; call Init and Start before use
func NewEventLoopThreadPool(name string, cfg Config) *EventLoopThreadPool {
	return &EventLoopThreadPool{
		name:   name,
		config: cfg,
	}
}

// Init sets the base loop and the number of worker threads. With zero
// workers the base loop serves every connection.
func (p *EventLoopThreadPool) Init(baseLoop *EventLoop, numThreads int) {
	p.baseLoop = baseLoop
	p.numThreads = max(numThreads, 0)
}

// Start spawns the worker loops. cb runs on each of them, or on the base loop
// when the pool has no workers. Starting twice is a no-op.
//
// Returns:
//   - An error if Init was not called or a worker could not start; workers
//     already started are stopped again
func (p *EventLoopThreadPool) Start(cb ThreadInitCallback) error {
	if p.baseLoop == nil {
		return fmt.Errorf("pool %s has no base loop", p.name)
	}

	if p.started {
		return nil
	}

	p.baseLoop.AssertInLoopThread()
	p.started = true

	for i := 0; i < p.numThreads; i++ {
		cfg := p.config
		cfg.Name = fmt.Sprintf("%s%d", p.name, i)

		t := NewEventLoopThread(cfg, cb)
		loop, err := t.StartLoop()
		if err != nil {
			p.Stop()
			return fmt.Errorf("start %s: %w", cfg.Name, err)
		}

		p.threads = append(p.threads, t)
		p.loops = append(p.loops, loop)
	}

	if p.numThreads == 0 && cb != nil {
		cb(p.baseLoop)
	}

	return nil
}

// Stop quits every worker loop and waits for the threads to exit.
func (p *EventLoopThreadPool) Stop() {
	for _, t := range p.threads {
		t.StopLoop()
	}
}

// GetNextLoop picks the next worker round robin, or the base loop.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	p.baseLoop.AssertInLoopThread()

	loop := p.baseLoop
	if len(p.loops) > 0 {
		loop = p.loops[p.next]
		p.next++
		if p.next >= len(p.loops) {
			p.next = 0
		}
	}

	return loop
}

// GetLoopForHash maps a hash onto a fixed worker, or the base loop.
func (p *EventLoopThreadPool) GetLoopForHash(hash uint64) *EventLoop {
	p.baseLoop.AssertInLoopThread()

	if len(p.loops) == 0 {
		return p.baseLoop
	}

	return p.loops[hash%uint64(len(p.loops))]
}

// GetAllLoops returns the workers, or just the base loop.
func (p *EventLoopThreadPool) GetAllLoops() []*EventLoop {
	p.baseLoop.AssertInLoopThread()

	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}

	return append([]*EventLoop(nil), p.loops...)
}

// Started reports whether Start ran.
func (p *EventLoopThreadPool) Started() bool {
	return p.started
}

// Name returns the pool name.
func (p *EventLoopThreadPool) Name() string {
	return p.name
}

// Info lists the thread id of every worker.
func (p *EventLoopThreadPool) Info() string {
	var b strings.Builder
	b.WriteString("print threads id info\n")
	for i, loop := range p.loops {
		fmt.Fprintf(&b, "%d: id = %d\n", i, loop.ThreadID())
	}

	return b.String()
}
