// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the persisted notebook workspace: named tracks of
// ordered things (diagram sheets, symbol panels, block programs) and the
// manager that owns their knowledge base.
package session

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrThingNotFound is returned when an id is not in the track.
	ErrThingNotFound = errors.New("session thing not found")

	// ErrInvalidThing is returned for a thing missing its id or type.
	ErrInvalidThing = errors.New("invalid session thing")
)

// ThingType identifies what a SessionThing renders.
type ThingType string

const (
	ThingDiagram ThingType = "diagram"
	ThingSymbol  ThingType = "symbol"
	ThingBlockly ThingType = "blockly"
	ThingNotes   ThingType = "notes"
)

// Valid reports whether t is a known thing type.
func (t ThingType) Valid() bool {
	switch t {
	case ThingDiagram, ThingSymbol, ThingBlockly, ThingNotes:
		return true
	}
	return false
}

// SessionThing is one persisted item of a track.
//
// State is opaque to the session layer; diagrams store their serialized
// form there.
type SessionThing struct {
	ID       string          `json:"id"`
	Track    string          `json:"track"`
	Type     ThingType       `json:"type"`
	Title    string          `json:"title,omitempty"`
	Position int             `json:"position"`
	State    json.RawMessage `json:"state,omitempty"`
}

func (t *SessionThing) clone() *SessionThing {
	c := *t
	if t.State != nil {
		c.State = append(json.RawMessage(nil), t.State...)
	}
	return &c
}

// ChangeKind describes a track mutation.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeMoved    ChangeKind = "moved"
	ChangeReplaced ChangeKind = "replaced"
)

// Change is delivered to subscribers after a track mutation.
type Change struct {
	Kind  ChangeKind    `json:"kind"`
	Track string        `json:"track"`
	Thing *SessionThing `json:"thing"`
	From  int           `json:"from"`
	To    int           `json:"to"`
}

// SessionTrack is an ordered list of things.
//
// Thread Safety:
//
//	Safe for concurrent use. Subscribers are called after the lock is
//	released, in registration order, on the mutating goroutine.
type SessionTrack struct {
	name string

	mu     sync.Mutex
	things []*SessionThing

	subsMu  sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// NewTrack creates an empty track.
func NewTrack(name string) *SessionTrack {
	return &SessionTrack{name: name, subs: make(map[int]func(Change))}
}

// Name returns the track name.
func (t *SessionTrack) Name() string { return t.name }

// Len returns the number of things.
func (t *SessionTrack) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.things)
}

// Things returns copies of the things in order.
func (t *SessionTrack) Things() []*SessionThing {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*SessionThing, len(t.things))
	for i, th := range t.things {
		out[i] = th.clone()
	}
	return out
}

// Get returns a copy of the thing with id.
func (t *SessionTrack) Get(id string) (*SessionThing, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexLocked(id); i >= 0 {
		return t.things[i].clone(), true
	}
	return nil, false
}

// Add inserts thing at index. An out-of-range index appends.
//
// Outputs:
//
//	*SessionThing - Copy of the stored thing with Track and Position set.
//	error - ErrInvalidThing if ID or Type is missing or the ID is taken.
func (t *SessionTrack) Add(thing *SessionThing, index int) (*SessionThing, error) {
	if thing == nil || thing.ID == "" || !thing.Type.Valid() {
		return nil, ErrInvalidThing
	}

	t.mu.Lock()
	if t.indexLocked(thing.ID) >= 0 {
		t.mu.Unlock()
		return nil, ErrInvalidThing
	}
	stored := thing.clone()
	stored.Track = t.name
	if index < 0 || index > len(t.things) {
		index = len(t.things)
	}
	t.things = append(t.things, nil)
	copy(t.things[index+1:], t.things[index:])
	t.things[index] = stored
	t.renumberLocked()
	out := stored.clone()
	t.mu.Unlock()

	t.emit(Change{Kind: ChangeAdded, Track: t.name, Thing: out, From: -1, To: index})
	return out, nil
}

// Remove deletes the thing with id.
func (t *SessionTrack) Remove(id string) (*SessionThing, error) {
	t.mu.Lock()
	i := t.indexLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return nil, ErrThingNotFound
	}
	removed := t.things[i]
	t.things = append(t.things[:i], t.things[i+1:]...)
	t.renumberLocked()
	out := removed.clone()
	t.mu.Unlock()

	t.emit(Change{Kind: ChangeRemoved, Track: t.name, Thing: out, From: i, To: -1})
	return out, nil
}

// Move relocates the thing with id to index, clamped to the track.
func (t *SessionTrack) Move(id string, index int) error {
	t.mu.Lock()
	from := t.indexLocked(id)
	if from < 0 {
		t.mu.Unlock()
		return ErrThingNotFound
	}
	if index < 0 {
		index = 0
	}
	if index >= len(t.things) {
		index = len(t.things) - 1
	}
	th := t.things[from]
	t.things = append(t.things[:from], t.things[from+1:]...)
	t.things = append(t.things, nil)
	copy(t.things[index+1:], t.things[index:])
	t.things[index] = th
	t.renumberLocked()
	out := th.clone()
	t.mu.Unlock()

	if from != index {
		t.emit(Change{Kind: ChangeMoved, Track: t.name, Thing: out, From: from, To: index})
	}
	return nil
}

// Replace swaps the thing with id for next, keeping its position. next's
// ID may differ from id.
func (t *SessionTrack) Replace(id string, next *SessionThing) (*SessionThing, error) {
	if next == nil || next.ID == "" || !next.Type.Valid() {
		return nil, ErrInvalidThing
	}

	t.mu.Lock()
	i := t.indexLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return nil, ErrThingNotFound
	}
	if j := t.indexLocked(next.ID); j >= 0 && j != i {
		t.mu.Unlock()
		return nil, ErrInvalidThing
	}
	stored := next.clone()
	stored.Track = t.name
	stored.Position = i
	t.things[i] = stored
	out := stored.clone()
	t.mu.Unlock()

	t.emit(Change{Kind: ChangeReplaced, Track: t.name, Thing: out, From: i, To: i})
	return out, nil
}

// Subscribe registers fn for change events and returns its unsubscribe.
func (t *SessionTrack) Subscribe(fn func(Change)) (unsubscribe func()) {
	t.subsMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.subsMu.Unlock()

	return func() {
		t.subsMu.Lock()
		delete(t.subs, id)
		t.subsMu.Unlock()
	}
}

func (t *SessionTrack) emit(c Change) {
	t.subsMu.Lock()
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Change), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, t.subs[id])
	}
	t.subsMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (t *SessionTrack) indexLocked(id string) int {
	for i, th := range t.things {
		if th.ID == id {
			return i
		}
	}
	return -1
}

func (t *SessionTrack) renumberLocked() {
	for i, th := range t.things {
		th.Position = i
	}
}

// load replaces the contents without emitting events. things must already
// be ordered.
func (t *SessionTrack) load(things []*SessionThing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.things = make([]*SessionThing, 0, len(things))
	for _, th := range things {
		c := th.clone()
		c.Track = t.name
		t.things = append(t.things, c)
	}
	t.renumberLocked()
}
