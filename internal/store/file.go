package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	logx "skycast/pkg/logx"
)

// fileStore keeps the whole subscriber table in memory and rewrites a
// single JSON snapshot (tmp + rename) after every mutation. Load happens
// once at open; the process is the only writer.
type fileStore struct {
	log  logx.Logger
	path string

	mu   chan struct{} // buffered-1 channel used as a mutex usable with ctx
	subs map[string]Subscriber
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:  log,
		path: path,
		mu:   make(chan struct{}, 1),
		subs: map[string]Subscriber{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	log.Info("subscriber store loaded", logx.String("driver", "file"), logx.Int("subscribers", len(s.subs)))
	return s, nil
}

func (s *fileStore) lock(ctx context.Context) error {
	select {
	case s.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fileStore) unlock() { <-s.mu }

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var m map[string]Subscriber
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for id, sub := range m {
		sub.ID = id
		sanitizeSlots(&sub, s.log)
		s.subs[id] = sub
	}
	return nil
}

// flushLocked rewrites the snapshot atomically. Callers hold the lock.
func (s *fileStore) flushLocked() error {
	out := make(map[string]Subscriber, len(s.subs))
	for id, sub := range s.subs {
		out[id] = sub
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) All(ctx context.Context) ([]Subscriber, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()
	out := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) Get(ctx context.Context, id string) (Subscriber, bool, error) {
	if err := s.lock(ctx); err != nil {
		return Subscriber{}, false, err
	}
	defer s.unlock()
	sub, ok := s.subs[id]
	if !ok {
		return Subscriber{}, false, nil
	}
	return sub.Clone(), true, nil
}

func (s *fileStore) Put(ctx context.Context, sub Subscriber) error {
	if strings.TrimSpace(sub.ID) == "" {
		return errors.New("subscriber id is empty")
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	sub.UpdatedAt = time.Now().UTC()
	s.subs[sub.ID] = sub.Clone()
	return s.flushLocked()
}

func (s *fileStore) Deactivate(ctx context.Context, id string) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	if !sub.Active {
		return nil
	}
	sub.Active = false
	sub.UpdatedAt = time.Now().UTC()
	s.subs[id] = sub
	return s.flushLocked()
}

func (s *fileStore) RecordAlerts(ctx context.Context, id string, alertIDs []string) error {
	if len(alertIDs) == 0 {
		return nil
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.SentAlerts = appendSentAlerts(sub.SentAlerts, alertIDs)
	sub.UpdatedAt = time.Now().UTC()
	s.subs[id] = sub
	return s.flushLocked()
}

func (s *fileStore) Close() error { return nil }
