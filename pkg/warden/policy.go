// Copyright 2024-2026 Aiku AI

package warden

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
)

// NicknamePolicy is a group default nickname plus optional per-member
// overrides.
type NicknamePolicy struct {
	Default   string
	Overrides map[string]string
}

// Effective returns the nickname the policy demands for a member.
func (p *NicknamePolicy) Effective(memberID string) string {
	if nick, ok := p.Overrides[memberID]; ok {
		return nick
	}
	return p.Default
}

// GroupLockPolicy holds the locked attributes for a single group. A nil
// field means that attribute is not locked.
type GroupLockPolicy struct {
	Title     *string
	Nicknames *NicknamePolicy
	Photo     *string
}

func (p *GroupLockPolicy) empty() bool {
	return p.Title == nil && p.Nicknames == nil && p.Photo == nil
}

// PolicyStore holds lock policies keyed by group ID. Absence of an entry
// means nothing is enforced for that group. The store is in-memory only;
// policies do not survive a restart.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*GroupLockPolicy
}

func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: make(map[string]*GroupLockPolicy)}
}

// Get returns a deep copy of the policy for a group, or nil.
func (s *PolicyStore) Get(groupID string) *GroupLockPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[groupID]
	if !ok {
		return nil
	}
	cp := &GroupLockPolicy{Title: p.Title, Photo: p.Photo}
	if p.Nicknames != nil {
		np := &NicknamePolicy{Default: p.Nicknames.Default}
		if len(p.Nicknames.Overrides) > 0 {
			np.Overrides = make(map[string]string, len(p.Nicknames.Overrides))
			for k, v := range p.Nicknames.Overrides {
				np.Overrides[k] = v
			}
		}
		cp.Nicknames = np
	}
	return cp
}

func (s *PolicyStore) mutate(groupID string, fn func(*GroupLockPolicy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[groupID]
	if !ok {
		p = &GroupLockPolicy{}
		s.policies[groupID] = p
	}
	fn(p)
	if p.empty() {
		delete(s.policies, groupID)
	}
}

func (s *PolicyStore) SetTitle(groupID, title string) {
	s.mutate(groupID, func(p *GroupLockPolicy) { p.Title = ptr.Ptr(title) })
}

func (s *PolicyStore) ClearTitle(groupID string) {
	s.mutate(groupID, func(p *GroupLockPolicy) { p.Title = nil })
}

func (s *PolicyStore) SetNicknameDefault(groupID, nick string) {
	s.mutate(groupID, func(p *GroupLockPolicy) {
		if p.Nicknames == nil {
			p.Nicknames = &NicknamePolicy{}
		}
		p.Nicknames.Default = nick
	})
}

func (s *PolicyStore) ClearNicknames(groupID string) {
	s.mutate(groupID, func(p *GroupLockPolicy) { p.Nicknames = nil })
}

// SetOverride records a per-member nickname override. It fails if no
// nickname lock is active for the group.
func (s *PolicyStore) SetOverride(groupID, memberID, nick string) error {
	var err error
	s.mutate(groupID, func(p *GroupLockPolicy) {
		if p.Nicknames == nil {
			err = ErrNoNicknamePolicy
			return
		}
		if p.Nicknames.Overrides == nil {
			p.Nicknames.Overrides = make(map[string]string)
		}
		p.Nicknames.Overrides[memberID] = nick
	})
	return err
}

func (s *PolicyStore) ClearOverride(groupID, memberID string) {
	s.mutate(groupID, func(p *GroupLockPolicy) {
		if p.Nicknames != nil {
			delete(p.Nicknames.Overrides, memberID)
		}
	})
}

func (s *PolicyStore) ClearAllOverrides(groupID string) {
	s.mutate(groupID, func(p *GroupLockPolicy) {
		if p.Nicknames != nil {
			p.Nicknames.Overrides = nil
		}
	})
}

func (s *PolicyStore) SetPhoto(groupID, ref string) {
	s.mutate(groupID, func(p *GroupLockPolicy) { p.Photo = ptr.Ptr(ref) })
}

func (s *PolicyStore) ClearPhoto(groupID string) {
	s.mutate(groupID, func(p *GroupLockPolicy) { p.Photo = nil })
}

// GroupsWithNicknamePolicy returns the IDs of all groups with an active
// nickname lock.
func (s *PolicyStore) GroupsWithNicknamePolicy() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, p := range s.policies {
		if p.Nicknames != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Engine reacts to drift events by reissuing the corrective action that
// restores the locked value. Every corrective call is best-effort: a
// failure is logged and the policy stays active, so the next drift event
// retries it.
type Engine struct {
	store   *PolicyStore
	adminID string
	log     zerolog.Logger
}

func NewEngine(store *PolicyStore, adminID string, log zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		adminID: adminID,
		log:     log.With().Str("component", "engine").Logger(),
	}
}

// Store exposes the policy store for status reporting.
func (e *Engine) Store() *PolicyStore {
	return e.store
}

// HandleThreadRenamed restores the locked title when an external rename
// diverges from it. Applying enforcement to an already-compliant group is
// a no-op.
func (e *Engine) HandleThreadRenamed(ctx context.Context, conn Conn, evt Event) error {
	p := e.store.Get(evt.GroupID)
	if p == nil || p.Title == nil || evt.Title == *p.Title {
		return nil
	}
	e.log.Info().
		Str("group_id", evt.GroupID).
		Str("new_title", evt.Title).
		Str("locked_title", *p.Title).
		Msg("Reverting external title change")
	if err := conn.SetThreadTitle(ctx, evt.GroupID, *p.Title); err != nil {
		e.log.Warn().Err(err).Str("group_id", evt.GroupID).Msg("Failed to restore title")
	}
	return nil
}

// HandleMemberRenamed restores the policy nickname for a non-admin member.
// Events without a group ID (platform-wide profile updates) are matched
// against every group with an active nickname lock.
func (e *Engine) HandleMemberRenamed(ctx context.Context, conn Conn, evt Event) error {
	if evt.GroupID != "" {
		e.enforceNickname(ctx, conn, evt.GroupID, evt.MemberID, evt.Nickname, nil)
		return nil
	}
	for _, groupID := range e.store.GroupsWithNicknamePolicy() {
		info, err := conn.ThreadInfo(ctx, groupID)
		if err != nil {
			e.log.Warn().Err(err).Str("group_id", groupID).Msg("Failed to fetch thread info")
			continue
		}
		for _, member := range info.Members {
			if member.ID == evt.MemberID {
				e.enforceNickname(ctx, conn, groupID, evt.MemberID, evt.Nickname, nil)
				break
			}
		}
	}
	return nil
}

// enforceNickname applies the effective nickname for one member if it
// diverges. The policy may be passed in to avoid a second store lookup.
func (e *Engine) enforceNickname(ctx context.Context, conn Conn, groupID, memberID, current string, p *GroupLockPolicy) {
	if p == nil {
		p = e.store.Get(groupID)
	}
	if p == nil || p.Nicknames == nil || memberID == e.adminID {
		return
	}
	want := p.Nicknames.Effective(memberID)
	if current == want {
		return
	}
	e.log.Info().
		Str("group_id", groupID).
		Str("member_id", memberID).
		Str("nickname", want).
		Msg("Reverting external nickname change")
	if err := conn.SetMemberNickname(ctx, groupID, memberID, want); err != nil {
		e.log.Warn().Err(err).
			Str("group_id", groupID).
			Str("member_id", memberID).
			Msg("Failed to restore nickname")
	}
}

// HandleThreadPhotoChanged restores the locked photo reference.
func (e *Engine) HandleThreadPhotoChanged(ctx context.Context, conn Conn, evt Event) error {
	p := e.store.Get(evt.GroupID)
	if p == nil || p.Photo == nil || evt.PhotoRef == *p.Photo {
		return nil
	}
	e.log.Info().
		Str("group_id", evt.GroupID).
		Str("photo_ref", evt.PhotoRef).
		Msg("Reverting external photo change")
	if err := conn.SetThreadPhoto(ctx, evt.GroupID, *p.Photo); err != nil {
		e.log.Warn().Err(err).Str("group_id", evt.GroupID).Msg("Failed to restore photo")
	}
	return nil
}

// HandleMemberAdded applies the nickname policy to a freshly joined member
// so the lock takes effect without waiting for a rename event.
func (e *Engine) HandleMemberAdded(ctx context.Context, conn Conn, evt Event) error {
	p := e.store.Get(evt.GroupID)
	if p == nil || p.Nicknames == nil || evt.MemberID == e.adminID {
		return nil
	}
	want := p.Nicknames.Effective(evt.MemberID)
	if err := conn.SetMemberNickname(ctx, evt.GroupID, evt.MemberID, want); err != nil {
		e.log.Warn().Err(err).
			Str("group_id", evt.GroupID).
			Str("member_id", evt.MemberID).
			Msg("Failed to apply nickname to new member")
	}
	return nil
}

// LockTitle activates a title lock and immediately renames the thread so
// the lock takes effect without waiting for a drift event.
func (e *Engine) LockTitle(ctx context.Context, conn Conn, groupID, title string) error {
	if title == "" {
		return ErrEmptyValue
	}
	e.store.SetTitle(groupID, title)
	e.log.Info().Str("group_id", groupID).Str("title", title).Msg("Title lock activated")
	if err := conn.SetThreadTitle(ctx, groupID, title); err != nil {
		e.log.Warn().Err(err).Str("group_id", groupID).Msg("Corrective title set failed")
	}
	return nil
}

// UnlockTitle removes the title lock. The thread keeps whatever title it
// has at time of unlock.
func (e *Engine) UnlockTitle(groupID string) {
	e.store.ClearTitle(groupID)
	e.log.Info().Str("group_id", groupID).Msg("Title lock removed")
}

// LockNicknames activates a nickname lock with the given default and runs
// one corrective pass over every current non-admin member.
func (e *Engine) LockNicknames(ctx context.Context, conn Conn, groupID, defaultNick string) error {
	if defaultNick == "" {
		return ErrEmptyValue
	}
	e.store.SetNicknameDefault(groupID, defaultNick)
	e.log.Info().Str("group_id", groupID).Str("nickname", defaultNick).Msg("Nickname lock activated")
	e.correctiveNicknamePass(ctx, conn, groupID)
	return nil
}

func (e *Engine) correctiveNicknamePass(ctx context.Context, conn Conn, groupID string) {
	p := e.store.Get(groupID)
	if p == nil || p.Nicknames == nil {
		return
	}
	info, err := conn.ThreadInfo(ctx, groupID)
	if err != nil {
		e.log.Warn().Err(err).Str("group_id", groupID).Msg("Corrective pass: failed to fetch members")
		return
	}
	for _, member := range info.Members {
		if member.ID == e.adminID {
			continue
		}
		want := p.Nicknames.Effective(member.ID)
		if member.Nickname == want {
			continue
		}
		if err := conn.SetMemberNickname(ctx, groupID, member.ID, want); err != nil {
			e.log.Warn().Err(err).
				Str("group_id", groupID).
				Str("member_id", member.ID).
				Msg("Corrective pass: rename failed")
		}
	}
}

// UnlockNicknames removes the nickname lock, overrides included.
func (e *Engine) UnlockNicknames(groupID string) {
	e.store.ClearNicknames(groupID)
	e.log.Info().Str("group_id", groupID).Msg("Nickname lock removed")
}

// SetNicknameOverride records a per-member override and renames that member
// immediately.
func (e *Engine) SetNicknameOverride(ctx context.Context, conn Conn, groupID, memberID, nick string) error {
	if memberID == "" || nick == "" {
		return ErrEmptyValue
	}
	if err := e.store.SetOverride(groupID, memberID, nick); err != nil {
		return err
	}
	e.log.Info().
		Str("group_id", groupID).
		Str("member_id", memberID).
		Str("nickname", nick).
		Msg("Nickname override set")
	if memberID != e.adminID {
		if err := conn.SetMemberNickname(ctx, groupID, memberID, nick); err != nil {
			e.log.Warn().Err(err).Str("member_id", memberID).Msg("Corrective override rename failed")
		}
	}
	return nil
}

// ClearNicknameOverride drops one member's override, falling back to the
// group default on the next drift event.
func (e *Engine) ClearNicknameOverride(groupID, memberID string) {
	e.store.ClearOverride(groupID, memberID)
}

// ClearAllNicknameOverrides drops every override while keeping the default.
func (e *Engine) ClearAllNicknameOverrides(groupID string) {
	e.store.ClearAllOverrides(groupID)
}

// LockPhoto locks the given photo reference and applies it immediately.
func (e *Engine) LockPhoto(ctx context.Context, conn Conn, groupID, ref string) error {
	if ref == "" {
		return ErrEmptyValue
	}
	e.store.SetPhoto(groupID, ref)
	e.log.Info().Str("group_id", groupID).Msg("Photo lock activated")
	if err := conn.SetThreadPhoto(ctx, groupID, ref); err != nil {
		e.log.Warn().Err(err).Str("group_id", groupID).Msg("Corrective photo set failed")
	}
	return nil
}

// UnlockPhoto removes the photo lock.
func (e *Engine) UnlockPhoto(groupID string) {
	e.store.ClearPhoto(groupID)
	e.log.Info().Str("group_id", groupID).Msg("Photo lock removed")
}
