package controller

import "sync"

// Executor is the single execution context every session-affecting
// operation runs on. Commands and inbound callbacks are submitted as
// tasks and processed one at a time in arrival order.
type Executor struct {
	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func NewExecutor(buffer int) *Executor {
	x := &Executor{
		tasks: make(chan func(), buffer),
		quit:  make(chan struct{}),
	}
	x.wg.Add(1)
	go x.run()
	return x
}

func (x *Executor) run() {
	defer x.wg.Done()
	for {
		select {
		case fn := <-x.tasks:
			fn()
		case <-x.quit:
			// Drain what was already accepted so a Stop submitted after
			// other commands still observes them applied.
			for {
				select {
				case fn := <-x.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Submit queues fn; returns false when the executor already stopped.
func (x *Executor) Submit(fn func()) bool {
	select {
	case <-x.quit:
		return false
	default:
	}
	select {
	case x.tasks <- fn:
		return true
	case <-x.quit:
		return false
	}
}

// Stop ends the loop after draining accepted tasks and waits for it.
func (x *Executor) Stop() {
	x.once.Do(func() { close(x.quit) })
	x.wg.Wait()
}
