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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	things  map[string]*SessionThing
	putErr  error
	deletes []string
}

func newMemStore() *memStore {
	return &memStore{things: make(map[string]*SessionThing)}
}

func (s *memStore) Put(_ context.Context, thing *SessionThing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.things[thing.ID] = thing.clone()
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.things, id)
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *memStore) List(_ context.Context) ([]*SessionThing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SessionThing, 0, len(s.things))
	for _, th := range s.things {
		out = append(out, th.clone())
	}
	return out, nil
}

func ids(things []*SessionThing) []string {
	out := make([]string, len(things))
	for i, th := range things {
		out[i] = th.ID
	}
	return out
}

func TestTrack_AddRemoveMoveReplace(t *testing.T) {
	tr := NewTrack("main")
	var changes []Change
	tr.Subscribe(func(c Change) { changes = append(changes, c) })

	for _, id := range []string{"a", "b", "c"} {
		_, err := tr.Add(&SessionThing{ID: id, Type: ThingDiagram}, -1)
		require.NoError(t, err)
	}
	_, err := tr.Add(&SessionThing{ID: "z", Type: ThingNotes}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "b", "c"}, ids(tr.Things()))

	require.NoError(t, tr.Move("z", 99))
	assert.Equal(t, []string{"a", "b", "c", "z"}, ids(tr.Things()))

	removed, err := tr.Remove("b")
	require.NoError(t, err)
	assert.Equal(t, "b", removed.ID)
	assert.Equal(t, []string{"a", "c", "z"}, ids(tr.Things()))

	replaced, err := tr.Replace("c", &SessionThing{ID: "c2", Type: ThingSymbol, Title: "new"})
	require.NoError(t, err)
	assert.Equal(t, 1, replaced.Position)
	assert.Equal(t, "main", replaced.Track)
	assert.Equal(t, []string{"a", "c2", "z"}, ids(tr.Things()))

	for i, th := range tr.Things() {
		assert.Equal(t, i, th.Position)
	}

	kinds := make([]ChangeKind, len(changes))
	for i, c := range changes {
		kinds[i] = c.Kind
	}
	assert.Equal(t, []ChangeKind{
		ChangeAdded, ChangeAdded, ChangeAdded, ChangeAdded,
		ChangeMoved, ChangeRemoved, ChangeReplaced,
	}, kinds)
	assert.Equal(t, 0, changes[4].From)
	assert.Equal(t, 3, changes[4].To)
}

func TestTrack_Errors(t *testing.T) {
	tr := NewTrack("main")

	_, err := tr.Add(&SessionThing{ID: "", Type: ThingDiagram}, 0)
	assert.ErrorIs(t, err, ErrInvalidThing)
	_, err = tr.Add(&SessionThing{ID: "x", Type: "bogus"}, 0)
	assert.ErrorIs(t, err, ErrInvalidThing)

	_, err = tr.Add(&SessionThing{ID: "x", Type: ThingDiagram}, 0)
	require.NoError(t, err)
	_, err = tr.Add(&SessionThing{ID: "x", Type: ThingDiagram}, 0)
	assert.ErrorIs(t, err, ErrInvalidThing, "duplicate id")

	_, err = tr.Remove("nope")
	assert.ErrorIs(t, err, ErrThingNotFound)
	assert.ErrorIs(t, tr.Move("nope", 0), ErrThingNotFound)
	_, err = tr.Replace("nope", &SessionThing{ID: "y", Type: ThingDiagram})
	assert.ErrorIs(t, err, ErrThingNotFound)
}

func TestTrack_CopiesAreIsolated(t *testing.T) {
	tr := NewTrack("main")
	state := json.RawMessage(`{"v":1}`)
	_, err := tr.Add(&SessionThing{ID: "a", Type: ThingDiagram, State: state}, 0)
	require.NoError(t, err)

	state[2] = 'X'
	got, ok := tr.Get("a")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(got.State))

	got.Title = "mutated"
	again, _ := tr.Get("a")
	assert.Empty(t, again.Title)
}

func TestTrack_Unsubscribe(t *testing.T) {
	tr := NewTrack("main")
	calls := 0
	unsub := tr.Subscribe(func(Change) { calls++ })
	_, _ = tr.Add(&SessionThing{ID: "a", Type: ThingDiagram}, 0)
	unsub()
	_, _ = tr.Add(&SessionThing{ID: "b", Type: ThingDiagram}, 0)
	assert.Equal(t, 1, calls)
}

func TestManager_PersistsAndRestores(t *testing.T) {
	store := newMemStore()
	m := NewManager(nil, Options{Store: store})
	ctx := context.Background()

	a, err := m.AddThing(ctx, "left", ThingDiagram, "calls", json.RawMessage(`{"version":1}`), -1)
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	b, err := m.AddThing(ctx, "left", ThingSymbol, "Foo", nil, -1)
	require.NoError(t, err)
	_, err = m.AddThing(ctx, "right", ThingNotes, "todo", nil, -1)
	require.NoError(t, err)

	require.NoError(t, m.MoveThing(ctx, "left", b.ID, 0))
	_, err = m.UpdateThing(ctx, "left", a.ID, "calls v2", json.RawMessage(`{"version":2}`))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	restored := NewManager(nil, Options{Store: store})
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, []string{"left", "right"}, restored.TrackNames())

	left, err := restored.Track("left")
	require.NoError(t, err)
	things := left.Things()
	require.Len(t, things, 2)
	assert.Equal(t, b.ID, things[0].ID)
	assert.Equal(t, a.ID, things[1].ID)
	assert.Equal(t, "calls v2", things[1].Title)
	assert.JSONEq(t, `{"version":2}`, string(things[1].State))
}

func TestManager_RemoveDeletesFromStore(t *testing.T) {
	store := newMemStore()
	m := NewManager(nil, Options{Store: store})
	ctx := context.Background()

	a, err := m.AddThing(ctx, "main", ThingDiagram, "", nil, -1)
	require.NoError(t, err)
	require.NoError(t, m.RemoveThing(ctx, "main", a.ID))

	assert.Equal(t, []string{a.ID}, store.deletes)
	list, _ := store.List(ctx)
	assert.Empty(t, list)

	assert.ErrorIs(t, m.RemoveThing(ctx, "main", a.ID), ErrThingNotFound)
	assert.ErrorIs(t, m.RemoveThing(ctx, "ghost", a.ID), ErrThingNotFound)
}

func TestManager_SubscribeFansOut(t *testing.T) {
	m := NewManager(nil, Options{})
	ctx := context.Background()

	var got []Change
	m.Subscribe(func(c Change) { got = append(got, c) })

	_, err := m.AddThing(ctx, "one", ThingDiagram, "", nil, -1)
	require.NoError(t, err)
	_, err = m.AddThing(ctx, "two", ThingDiagram, "", nil, -1)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Track)
	assert.Equal(t, "two", got[1].Track)
}

func TestManager_StoreErrorSurfaces(t *testing.T) {
	store := newMemStore()
	store.putErr = errors.New("disk full")
	m := NewManager(nil, Options{Store: store})

	added, err := m.AddThing(context.Background(), "main", ThingDiagram, "", nil, -1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, added, "in-memory change still applied")
}

func TestManager_ClosedRejectsMutations(t *testing.T) {
	m := NewManager(nil, Options{})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.AddThing(context.Background(), "main", ThingDiagram, "", nil, -1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Track("main")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_InvalidType(t *testing.T) {
	m := NewManager(nil, Options{})
	_, err := m.AddThing(context.Background(), "main", "bogus", "", nil, -1)
	assert.ErrorIs(t, err, ErrInvalidThing)
}
