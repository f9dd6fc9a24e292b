package localstore

import (
	"context"
	"strings"
	"sync"
)

const watchQueueSize = 64

// prefixWatcher is implemented by stores that can filter changes by key prefix
// before queueing them, so a namespace only wakes for its own keys.
type prefixWatcher interface {
	watchPrefix(ctx context.Context, source, prefix string, fn func(Change)) (func(), error)
}

type watcher struct {
	source string
	prefix string
	queue  chan Change
	done   chan struct{}
}

// watchers fans changes out to in-process subscribers. Callbacks run on a goroutine
// per subscriber, so a callback may write back into the store without deadlocking the writer.
type watchers struct {
	mu     sync.RWMutex
	byID   map[int]*watcher
	nextID int
}

// add registers fn. onRemove runs after the subscriber is dropped, with the number left.
func (ws *watchers) add(ctx context.Context, source, prefix string, fn func(Change), onRemove func(remaining int)) func() {
	w := &watcher{
		source: source,
		prefix: prefix,
		queue:  make(chan Change, watchQueueSize),
		done:   make(chan struct{}),
	}

	ws.mu.Lock()
	if ws.byID == nil {
		ws.byID = make(map[int]*watcher)
	}
	id := ws.nextID
	ws.nextID++
	ws.byID[id] = w
	ws.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ws.mu.Lock()
			delete(ws.byID, id)
			remaining := len(ws.byID)
			ws.mu.Unlock()
			close(w.done)
			if onRemove != nil {
				onRemove(remaining)
			}
		})
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-w.done:
				return
			case c := <-w.queue:
				fn(c)
			}
		}
	}()
	return cancel
}

func (ws *watchers) len() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.byID)
}

func (ws *watchers) notify(c Change) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for _, w := range ws.byID {
		if c.Source != "" && w.source == c.Source {
			continue
		}
		if !strings.HasPrefix(c.Key, w.prefix) {
			continue
		}
		select {
		case w.queue <- c:
		case <-w.done:
		default:
			// Slow watcher; it re-reads state on its next check anyway.
		}
	}
}
