// Copyright 2024-2026 Aiku AI

package warden

import "testing"

// TestDefaultReplies_Parses guards the embedded table against YAML rot.
func TestDefaultReplies_Parses(t *testing.T) {
	t.Parallel()
	table := DefaultReplies()
	if table.Len() == 0 {
		t.Fatal("embedded reply table is empty")
	}
}

func TestReplyTable_MatchCaseInsensitiveSubstring(t *testing.T) {
	t.Parallel()
	table, err := NewReplyTable([]byte(`
- match: good morning
  reply: morning!
- match: bye
  reply: see you
`))
	if err != nil {
		t.Fatal(err)
	}

	if reply, ok := table.Match("GOOD MORNING everyone"); !ok || reply != "morning!" {
		t.Errorf("expected case-insensitive match, got %q %v", reply, ok)
	}
	if reply, ok := table.Match("ok goodBYE then"); !ok || reply != "see you" {
		t.Errorf("expected substring match, got %q %v", reply, ok)
	}
	if _, ok := table.Match("nothing relevant"); ok {
		t.Error("unexpected match")
	}
}

// TestReplyTable_FirstMatchWins pins the ordering rule.
func TestReplyTable_FirstMatchWins(t *testing.T) {
	t.Parallel()
	table, err := NewReplyTable([]byte(`
- match: good
  reply: first
- match: good morning
  reply: second
`))
	if err != nil {
		t.Fatal(err)
	}
	if reply, _ := table.Match("good morning"); reply != "first" {
		t.Errorf("expected first entry to win, got %q", reply)
	}
}

func TestNewReplyTable_BadYAML(t *testing.T) {
	t.Parallel()
	if _, err := NewReplyTable([]byte("{ not yaml")); err == nil {
		t.Fatal("expected parse error")
	}
}
