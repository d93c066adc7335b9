// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/grokysis/services/grokysis/kb"
	"github.com/AleutianAI/grokysis/services/grokysis/searchfox"
)

// ErrClosed is returned by a SessionManager after Close.
var ErrClosed = errors.New("session manager is closed")

// Store persists session things by id. Implementations must be safe for
// concurrent use.
type Store interface {
	Put(ctx context.Context, thing *SessionThing) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*SessionThing, error)
}

// Options configures a SessionManager.
type Options struct {
	// Store is optional; without it the session lives in memory only.
	Store Store

	// KB is passed to the owned knowledge base.
	KB kb.Options

	Logger *slog.Logger
}

// SessionManager owns the tracks of one workspace and the knowledge base
// their diagrams are drawn from.
//
// Description:
//
//	Every mutation goes through the manager so that it is persisted and
//	fanned out to subscribers. The knowledge base lives exactly as long as
//	the manager: Close waits for its background analyses and drops it.
//
// Thread Safety:
//
//	Safe for concurrent use.
type SessionManager struct {
	knowledge *kb.KnowledgeBase
	store     Store
	logger    *slog.Logger

	mu     sync.Mutex
	tracks map[string]*SessionTrack
	closed bool

	subsMu  sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// NewManager creates a manager whose knowledge base queries searcher.
func NewManager(searcher searchfox.Searcher, opts Options) *SessionManager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	kbOpts := opts.KB
	if kbOpts.Logger == nil {
		kbOpts.Logger = logger
	}
	return &SessionManager{
		knowledge: kb.New(searcher, kbOpts),
		store:     opts.Store,
		logger:    logger.With("component", "session"),
		tracks:    make(map[string]*SessionTrack),
		subs:      make(map[int]func(Change)),
	}
}

// KB returns the session's knowledge base.
func (m *SessionManager) KB() *kb.KnowledgeBase { return m.knowledge }

// Track returns the named track, creating it if needed.
func (m *SessionManager) Track(name string) (*SessionTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.trackLocked(name), nil
}

func (m *SessionManager) trackLocked(name string) *SessionTrack {
	t, ok := m.tracks[name]
	if !ok {
		t = NewTrack(name)
		t.Subscribe(m.emit)
		m.tracks[name] = t
	}
	return t
}

// TrackNames returns the names of all tracks, sorted.
func (m *SessionManager) TrackNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.tracks))
	for name := range m.tracks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddThing creates a thing with a fresh id at index (out of range appends)
// and persists the track.
func (m *SessionManager) AddThing(ctx context.Context, track string, typ ThingType, title string, state json.RawMessage, index int) (*SessionThing, error) {
	t, err := m.Track(track)
	if err != nil {
		return nil, err
	}
	added, err := t.Add(&SessionThing{
		ID:    uuid.NewString(),
		Type:  typ,
		Title: title,
		State: state,
	}, index)
	if err != nil {
		return nil, err
	}
	if err := m.persistTrack(ctx, t); err != nil {
		return added, err
	}
	return added, nil
}

// RemoveThing deletes a thing from its track and the store.
func (m *SessionManager) RemoveThing(ctx context.Context, track, id string) error {
	t, err := m.existingTrack(track)
	if err != nil {
		return err
	}
	if _, err := t.Remove(id); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete thing %s: %w", id, err)
		}
	}
	return m.persistTrack(ctx, t)
}

// MoveThing moves a thing within its track.
func (m *SessionManager) MoveThing(ctx context.Context, track, id string, index int) error {
	t, err := m.existingTrack(track)
	if err != nil {
		return err
	}
	if err := t.Move(id, index); err != nil {
		return err
	}
	return m.persistTrack(ctx, t)
}

// UpdateThing replaces a thing's title and state in place.
func (m *SessionManager) UpdateThing(ctx context.Context, track, id, title string, state json.RawMessage) (*SessionThing, error) {
	t, err := m.existingTrack(track)
	if err != nil {
		return nil, err
	}
	cur, ok := t.Get(id)
	if !ok {
		return nil, ErrThingNotFound
	}
	cur.Title = title
	cur.State = state
	updated, err := t.Replace(id, cur)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.Put(ctx, updated); err != nil {
			return updated, fmt.Errorf("persist thing %s: %w", id, err)
		}
	}
	return updated, nil
}

// Restore loads every stored thing into its track, ordered by position.
// Existing tracks with stored things are overwritten; no events fire.
func (m *SessionManager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	things, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list session things: %w", err)
	}

	byTrack := make(map[string][]*SessionThing)
	for _, th := range things {
		if th == nil || th.ID == "" || !th.Type.Valid() {
			m.logger.Warn("skipping invalid stored thing")
			continue
		}
		byTrack[th.Track] = append(byTrack[th.Track], th)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for name, list := range byTrack {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Position < list[j].Position })
		m.trackLocked(name).load(list)
	}
	m.logger.Info("session restored", "tracks", len(byTrack), "things", len(things))
	return nil
}

// Subscribe registers fn for changes on every track.
func (m *SessionManager) Subscribe(fn func(Change)) (unsubscribe func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// Close tears down the knowledge base. Further mutations return ErrClosed.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.knowledge.Close()
	return nil
}

func (m *SessionManager) existingTrack(name string) (*SessionTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	t, ok := m.tracks[name]
	if !ok {
		return nil, ErrThingNotFound
	}
	return t, nil
}

// persistTrack stores every thing of t so positions stay consistent.
func (m *SessionManager) persistTrack(ctx context.Context, t *SessionTrack) error {
	if m.store == nil {
		return nil
	}
	for _, th := range t.Things() {
		if err := m.store.Put(ctx, th); err != nil {
			return fmt.Errorf("persist thing %s: %w", th.ID, err)
		}
	}
	return nil
}

func (m *SessionManager) emit(c Change) {
	m.subsMu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.subsMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
