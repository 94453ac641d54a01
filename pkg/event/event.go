// Package event provides a typed publish/subscribe source shared by the
// model, archive and CLI layers.
package event

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Handler receives one published event. A returned error is joined into
// the result of Publish.
type Handler[E any] func(ctx context.Context, e E) error

// Source fans events of type E out to its subscribers.
type Source[E any] struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler[E]
}

func NewSource[E any]() *Source[E] {
	return &Source[E]{handlers: make(map[int]Handler[E])}
}

// Subscribe registers h and returns an id for Unsubscribe.
func (s *Source[E]) Subscribe(h Handler[E]) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]Handler[E])
	}
	s.nextID++
	s.handlers[s.nextID] = h
	return s.nextID
}

func (s *Source[E]) Unsubscribe(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[id]; !ok {
		return false
	}
	delete(s.handlers, id)
	return true
}

func (s *Source[E]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Publish runs every subscriber concurrently and waits for all of them.
// It returns the first error reported, if any.
func (s *Source[E]) Publish(ctx context.Context, e E) error {
	s.mu.RLock()
	ids := make([]int, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler[E], len(ids))
	for i, id := range ids {
		hs[i] = s.handlers[id]
	}
	s.mu.RUnlock()

	switch len(hs) {
	case 0:
		return nil
	case 1:
		return hs[0](ctx, e)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hs {
		h := h
		g.Go(func() error {
			return h(gctx, e)
		})
	}
	return g.Wait()
}
