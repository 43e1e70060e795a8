// Copyright 2024-2026 Aiku AI

package warden

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed replies.yaml
var defaultRepliesYAML []byte

type cannedReply struct {
	Match string `yaml:"match"`
	Reply string `yaml:"reply"`
}

// ReplyTable is the fixed-phrase auto-reply matcher: a case-insensitive
// substring match against a static table, first match wins.
type ReplyTable struct {
	entries []cannedReply
}

// NewReplyTable parses a YAML reply table.
func NewReplyTable(data []byte) (*ReplyTable, error) {
	var entries []cannedReply
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse reply table: %w", err)
	}
	return &ReplyTable{entries: entries}, nil
}

// DefaultReplies returns the embedded reply table.
func DefaultReplies() *ReplyTable {
	table, err := NewReplyTable(defaultRepliesYAML)
	if err != nil {
		// The embedded table is validated by tests; a parse failure here
		// means a broken build, not a runtime condition.
		panic(err)
	}
	return table
}

// Match returns the reply for the first entry whose match string occurs in
// the text, or false if nothing matches.
func (t *ReplyTable) Match(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, entry := range t.entries {
		if entry.Match == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(entry.Match)) {
			return entry.Reply, true
		}
	}
	return "", false
}

// Len returns the number of entries in the table.
func (t *ReplyTable) Len() int {
	return len(t.entries)
}
