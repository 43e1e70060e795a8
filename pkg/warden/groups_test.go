// Copyright 2024-2026 Aiku AI

package warden

import (
	"reflect"
	"testing"
)

func TestGroupSet_AddAndHas(t *testing.T) {
	t.Parallel()
	g := NewGroupSet()
	if !g.Add("G1") {
		t.Error("first add should report new")
	}
	if g.Add("G1") {
		t.Error("second add should report existing")
	}
	if !g.Has("G1") || g.Has("G2") {
		t.Error("membership wrong after add")
	}
}

func TestGroupSet_IDsSorted(t *testing.T) {
	t.Parallel()
	g := NewGroupSet()
	g.Add("zeta")
	g.Add("alpha")
	g.Add("mid")
	if got := g.IDs(); !reflect.DeepEqual(got, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("IDs not sorted: %v", got)
	}
}

// TestGroupSet_ResetPreservesFlags verifies a membership sync keeps the
// toggles of groups that remain members and drops the rest.
func TestGroupSet_ResetPreservesFlags(t *testing.T) {
	t.Parallel()
	g := NewGroupSet()
	g.Add("keep")
	g.Add("drop")
	g.ToggleAutoReply("keep")
	g.ToggleTarget("keep")
	g.ToggleTarget("drop")

	g.Reset([]string{"keep", "fresh"})

	if g.Has("drop") {
		t.Error("dropped group still present")
	}
	if g.AutoReply("keep") {
		t.Error("auto-reply toggle lost across reset")
	}
	if !g.Target("keep") {
		t.Error("target toggle lost across reset")
	}
	if !g.AutoReply("fresh") || g.Target("fresh") {
		t.Error("fresh group should have default flags")
	}
}

func TestGroupSet_AutoReplyDefaultsOn(t *testing.T) {
	t.Parallel()
	g := NewGroupSet()
	if !g.AutoReply("unknown") {
		t.Error("auto-reply should default on")
	}
	if on := g.ToggleAutoReply("G1"); on {
		t.Error("first toggle should turn auto-reply off")
	}
	if on := g.ToggleAutoReply("G1"); !on {
		t.Error("second toggle should turn auto-reply back on")
	}
}

func TestGroupSet_Targets(t *testing.T) {
	t.Parallel()
	g := NewGroupSet()
	g.Add("G1")
	g.Add("G2")
	g.Add("G3")
	g.ToggleTarget("G3")
	g.ToggleTarget("G1")

	if got := g.Targets(); !reflect.DeepEqual(got, []string{"G1", "G3"}) {
		t.Errorf("unexpected targets: %v", got)
	}
	g.ToggleTarget("G1")
	if got := g.Targets(); !reflect.DeepEqual(got, []string{"G3"}) {
		t.Errorf("unexpected targets after untoggle: %v", got)
	}
}
