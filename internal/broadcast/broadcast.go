// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broadcast implements runtime setting overlays that apply to
// a glob-matched slice of (namespace, cycle point) pairs without
// touching the flow definition on disk. Overlays are ordered: later
// `cyclone broadcast set` calls take precedence over earlier ones for
// the same setting key when more than one overlay matches a given
// task proxy.
package broadcast

import (
	"context"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/cyclone/internal/store"
	cerrors "github.com/tombee/cyclone/pkg/errors"
)

// Setting is one overlay entry: set namespaceGlob/cycleGlob's
// settingKey to settingValue.
type Setting struct {
	ID            int64
	NamespaceGlob string
	CycleGlob     string
	Key           string
	Value         string
}

// Store is the in-memory broadcast overlay table, persisted through
// the shared store.Store so it survives a scheduler restart.
type Store struct {
	mu       sync.RWMutex
	settings []Setting
	backing  *store.Store
}

// New constructs a Store backed by db, preloaded from snap (the
// Broadcasts slice of a store.Snapshot loaded at startup).
func New(db *store.Store, snap []store.BroadcastEntry) *Store {
	s := &Store{backing: db}
	for _, e := range snap {
		s.settings = append(s.settings, Setting{
			ID: e.ID, NamespaceGlob: e.NamespaceGlob, CycleGlob: e.CycleGlob,
			Key: e.SettingKey, Value: e.SettingValue,
		})
	}
	return s
}

// Set installs a new overlay and persists it via batch b (the caller
// owns batch lifetime so this composes with the scheduler's
// per-tick transactional write-batch).
func (s *Store) Set(ctx context.Context, b *store.Batch, namespaceGlob, cycleGlob, key, value string) error {
	id, err := b.RecordBroadcast(ctx, store.BroadcastEntry{
		NamespaceGlob: namespaceGlob, CycleGlob: cycleGlob, SettingKey: key, SettingValue: value,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = append(s.settings, Setting{ID: id, NamespaceGlob: namespaceGlob, CycleGlob: cycleGlob, Key: key, Value: value})
	return nil
}

// Clear expires every overlay matching namespaceGlob/cycleGlob (and,
// if key is non-empty, that exact key too), returning how many were
// cleared.
func (s *Store) Clear(ctx context.Context, b *store.Batch, namespaceGlob, cycleGlob, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.settings[:0]
	cleared := 0
	for _, st := range s.settings {
		matches := st.NamespaceGlob == namespaceGlob && st.CycleGlob == cycleGlob && (key == "" || st.Key == key)
		if matches {
			if err := b.ExpireBroadcast(ctx, st.ID); err != nil {
				return cleared, err
			}
			cleared++
			continue
		}
		kept = append(kept, st)
	}
	s.settings = kept
	return cleared, nil
}

// Apply returns the settings overlay in effect for (namespace, cycle)
// as a plain key->value map, with later-registered entries winning
// ties over earlier ones for the same key.
func (s *Store) Apply(namespace, cycle string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	for _, st := range s.settings {
		nsMatch, err := doublestar.Match(st.NamespaceGlob, namespace)
		if err != nil {
			return nil, &cerrors.ConfigError{Key: st.NamespaceGlob, Reason: "invalid namespace glob", Cause: err}
		}
		cyMatch, err := doublestar.Match(st.CycleGlob, cycle)
		if err != nil {
			return nil, &cerrors.ConfigError{Key: st.CycleGlob, Reason: "invalid cycle glob", Cause: err}
		}
		if nsMatch && cyMatch {
			out[st.Key] = st.Value
		}
	}
	return out, nil
}

// Display returns every live (non-expired) overlay, for `cyclone
// broadcast --display`.
func (s *Store) Display() []Setting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Setting, len(s.settings))
	copy(out, s.settings)
	return out
}
