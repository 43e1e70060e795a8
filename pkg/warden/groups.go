// Copyright 2024-2026 Aiku AI

package warden

import (
	"sort"
	"sync"
)

type groupFlags struct {
	autoReplyOff bool
	target       bool
}

// GroupSet tracks the groups the session currently belongs to, plus the
// per-group session toggles (auto-reply, broadcast target). It is refreshed
// by the connect-time sync and extended when the session is added to a new
// group. It is used for fan-out only, never for lock enforcement.
type GroupSet struct {
	mu     sync.Mutex
	groups map[string]*groupFlags
}

func NewGroupSet() *GroupSet {
	return &GroupSet{groups: make(map[string]*groupFlags)}
}

// Reset replaces the membership set. Flags of groups that remain members
// are preserved across the sync.
func (g *GroupSet) Reset(ids []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := make(map[string]*groupFlags, len(ids))
	for _, id := range ids {
		if flags, ok := g.groups[id]; ok {
			next[id] = flags
		} else {
			next[id] = &groupFlags{}
		}
	}
	g.groups = next
}

// Add records membership in a new group. Returns false if already present.
func (g *GroupSet) Add(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.groups[id]; ok {
		return false
	}
	g.groups[id] = &groupFlags{}
	return true
}

func (g *GroupSet) Has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.groups[id]
	return ok
}

// IDs returns the member group IDs in sorted order.
func (g *GroupSet) IDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.groups))
	for id := range g.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Targets returns the sorted IDs of groups marked as broadcast targets.
func (g *GroupSet) Targets() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for id, flags := range g.groups {
		if flags.target {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AutoReply reports whether canned auto-replies are enabled for a group.
// The default for a fresh group is on.
func (g *GroupSet) AutoReply(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if flags, ok := g.groups[id]; ok {
		return !flags.autoReplyOff
	}
	return true
}

// ToggleAutoReply flips the auto-reply toggle and returns the new state.
func (g *GroupSet) ToggleAutoReply(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	flags := g.ensure(id)
	flags.autoReplyOff = !flags.autoReplyOff
	return !flags.autoReplyOff
}

// Target reports whether a group is a broadcast target. Default is off.
func (g *GroupSet) Target(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if flags, ok := g.groups[id]; ok {
		return flags.target
	}
	return false
}

// ToggleTarget flips the broadcast-target toggle and returns the new state.
func (g *GroupSet) ToggleTarget(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	flags := g.ensure(id)
	flags.target = !flags.target
	return flags.target
}

func (g *GroupSet) ensure(id string) *groupFlags {
	flags, ok := g.groups[id]
	if !ok {
		flags = &groupFlags{}
		g.groups[id] = flags
	}
	return flags
}
