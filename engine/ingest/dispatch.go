package ingest

import (
	"sync"

	"github.com/WessleyAI/noterag/engine/domain"
)

// dispatcher runs events for one note strictly in arrival order while
// different notes proceed in parallel, at most `workers` at a time.
type dispatcher struct {
	mu      sync.Mutex
	pending map[string][]domain.ChangeEvent // present while a note has a live drainer
	sem     chan struct{}
	wg      sync.WaitGroup
	handle  func(domain.ChangeEvent)
}

func newDispatcher(workers int, handle func(domain.ChangeEvent)) *dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &dispatcher{
		pending: make(map[string][]domain.ChangeEvent),
		sem:     make(chan struct{}, workers),
		handle:  handle,
	}
}

// submit queues ev behind any in-flight event of the same note.
func (d *dispatcher) submit(ev domain.ChangeEvent) {
	d.mu.Lock()
	if q, busy := d.pending[ev.NoteID]; busy {
		d.pending[ev.NoteID] = append(q, ev)
		d.mu.Unlock()
		return
	}
	d.pending[ev.NoteID] = nil
	d.mu.Unlock()

	d.wg.Add(1)
	go d.drain(ev)
}

func (d *dispatcher) drain(ev domain.ChangeEvent) {
	defer d.wg.Done()
	key := ev.NoteID
	for {
		d.sem <- struct{}{}
		d.handle(ev)
		<-d.sem

		d.mu.Lock()
		q := d.pending[key]
		if len(q) == 0 {
			delete(d.pending, key)
			d.mu.Unlock()
			return
		}
		ev, d.pending[key] = q[0], q[1:]
		d.mu.Unlock()
	}
}

// wait blocks until every submitted event has been handled.
func (d *dispatcher) wait() {
	d.wg.Wait()
}
