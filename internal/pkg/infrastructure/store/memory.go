package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MemoryStore implements Store on a plain map. It backs tests and
// devmode, where no external store is available.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]json.RawMessage
	subs      map[string][]*memorySubscription
	nextSubID int
}

type memorySubscription struct {
	id       int
	onChange func(json.RawMessage)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: map[string]json.RawMessage{},
		subs:      map[string][]*memorySubscription{},
	}
}

func (s *MemoryStore) Read(_ context.Context, path string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[path]
	if !ok {
		return nil, ErrNotFound
	}

	return doc, nil
}

func (s *MemoryStore) Write(_ context.Context, path string, value any) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	s.mu.Lock()
	s.documents[path] = doc
	subs := append([]*memorySubscription{}, s.subs[path]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.onChange(doc)
	}

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	delete(s.documents, path)
	subs := append([]*memorySubscription{}, s.subs[path]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.onChange(nil)
	}

	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, path string, onChange func(json.RawMessage), _ func(error)) (func(), error) {
	s.mu.Lock()
	s.nextSubID++
	sub := &memorySubscription{id: s.nextSubID, onChange: onChange}
	s.subs[path] = append(s.subs[path], sub)
	current := s.documents[path]
	s.mu.Unlock()

	onChange(current)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		subs := s.subs[path]
		for i, candidate := range subs {
			if candidate.id == sub.id {
				s.subs[path] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

func (s *MemoryStore) QueryRange(_ context.Context, path, orderField string, limitLast int) ([]json.RawMessage, error) {
	if limitLast <= 0 {
		return []json.RawMessage{}, nil
	}

	type child struct {
		order float64
		doc   json.RawMessage
	}

	s.mu.RLock()
	children := make([]child, 0)
	prefix := path + "/"

	for key, doc := range s.documents {
		if !strings.HasPrefix(key, prefix) || strings.Contains(key[len(prefix):], "/") {
			continue
		}
		order, ok := orderValue(doc, orderField)
		if !ok {
			continue
		}
		children = append(children, child{order: order, doc: doc})
	}
	s.mu.RUnlock()

	sort.Slice(children, func(i, j int) bool { return children[i].order < children[j].order })

	if len(children) > limitLast {
		children = children[len(children)-limitLast:]
	}

	result := make([]json.RawMessage, len(children))
	for i, c := range children {
		result[i] = c.doc
	}

	return result, nil
}

func (s *MemoryStore) TrimRange(_ context.Context, path string, keepLast int) (int, error) {
	if keepLast < 0 {
		return 0, nil
	}

	type child struct {
		key   string
		order float64
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	children := make([]child, 0)
	prefix := path + "/"

	for key := range s.documents {
		if !strings.HasPrefix(key, prefix) || strings.Contains(key[len(prefix):], "/") {
			continue
		}
		order, err := strconv.ParseFloat(key[len(prefix):], 64)
		if err != nil {
			if o, ok := orderValue(s.documents[key], "timestamp"); ok {
				order = o
			}
		}
		children = append(children, child{key: key, order: order})
	}

	excess := len(children) - keepLast
	if excess <= 0 {
		return 0, nil
	}

	sort.Slice(children, func(i, j int) bool { return children[i].order < children[j].order })

	for _, c := range children[:excess] {
		delete(s.documents, c.key)
	}

	return excess, nil
}
