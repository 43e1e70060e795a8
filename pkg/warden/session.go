// Copyright 2024-2026 Aiku AI

package warden

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Manager timing defaults. Tests shrink these through the exported fields.
const (
	DefaultLoginRetryDelay = 10 * time.Second
	DefaultSettleDelay     = 5 * time.Second
	DefaultReconnectDelay  = 5 * time.Second
	DefaultPersistInterval = 10 * time.Minute
	DefaultMaxListenRetry  = 5
)

// Manager owns the live Conn and drives login, the initial sync, the
// two-tier reconnect state machine, and periodic credential persistence.
// Exactly one Conn is active at a time; it is replaced wholesale on
// reconnect, never mutated in place.
type Manager struct {
	transport Transport
	cfg       *ConfigStore
	engine    *Engine
	processor *Processor
	groups    *GroupSet
	log       zerolog.Logger

	LoginRetryDelay  time.Duration
	SettleDelay      time.Duration
	ReconnectDelay   time.Duration
	PersistInterval  time.Duration
	MaxListenRetries int

	// StartupNotice, when set, is broadcast to every target group after the
	// settle delay.
	StartupNotice string

	// OnGroupsChanged is invoked after the joined-group set changes, with
	// the current member IDs. Used to push the set to dashboard viewers.
	OnGroupsChanged func(ids []string)

	mu       sync.Mutex
	conn     Conn
	attempts int
}

func NewManager(transport Transport, cfg *ConfigStore, engine *Engine, processor *Processor, groups *GroupSet, log zerolog.Logger) *Manager {
	return &Manager{
		transport: transport,
		cfg:       cfg,
		engine:    engine,
		processor: processor,
		groups:    groups,
		log:       log.With().Str("component", "session").Logger(),

		LoginRetryDelay:  DefaultLoginRetryDelay,
		SettleDelay:      DefaultSettleDelay,
		ReconnectDelay:   DefaultReconnectDelay,
		PersistInterval:  DefaultPersistInterval,
		MaxListenRetries: DefaultMaxListenRetry,
	}
}

// Run drives the session until the context is cancelled. It never returns
// on platform failures: login errors retry forever and listener errors
// feed the reconnect state machine.
func (m *Manager) Run(ctx context.Context) error {
	for {
		conn, err := m.connect(ctx)
		if err != nil {
			return err
		}
		m.setConn(conn)

		connCtx, cancel := context.WithCancel(ctx)
		go m.persistLoop(connCtx, conn)
		m.afterConnect(ctx, conn)

		err = m.listenLoop(ctx, conn)
		cancel()
		m.closeConn(conn)
		if err != nil {
			return err
		}
		// Listener retries exhausted: fall through to a fresh login with
		// the last-known-good credentials.
		m.log.Warn().Msg("Listener retries exhausted, performing full re-login")
	}
}

// connect logs in, retrying forever with a fixed delay. Credentials are
// assumed durable and the failure presumed transient, so this path never
// gives up.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	opts := ListenOptions{SelfEvents: true, Presence: false}
	for {
		cfg := m.cfg.Current()
		conn, err := m.transport.Login(ctx, cfg.Cookies, opts)
		if err == nil {
			m.log.Info().Str("self_id", conn.SelfID()).Msg("Logged in")
			return conn, nil
		}
		m.log.Warn().Err(err).
			Dur("retry_in", m.LoginRetryDelay).
			Msg("Login failed, retrying")
		if err := sleepCtx(ctx, m.LoginRetryDelay); err != nil {
			return nil, err
		}
	}
}

// listenLoop runs the dispatcher and the reconnect state machine. It
// returns nil when the retry budget is exhausted (caller re-logs-in) and
// the context error on cancellation. The counter tracks consecutive
// failures only: it resets on login and again whenever a (re)attached
// stream delivers an event, so only back-to-back errors with no live
// listen in between can exhaust the budget.
func (m *Manager) listenLoop(ctx context.Context, conn Conn) error {
	dispatcher := m.buildDispatcher(conn)
	m.resetAttempts()
	for {
		err := dispatcher.Run(ctx, conn.Events())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts := m.bumpAttempts()
		m.log.Warn().Err(err).Int("attempt", attempts).Msg("Listener error")
		if attempts > m.MaxListenRetries {
			return nil
		}
		if err := sleepCtx(ctx, m.ReconnectDelay); err != nil {
			return err
		}
		// Cheap path: the underlying session is often still valid, so
		// reattach the stream without re-authenticating.
		if err := conn.Resubscribe(); err != nil {
			m.log.Warn().Err(err).Msg("Resubscribe failed")
		}
	}
}

func (m *Manager) buildDispatcher(conn Conn) *Dispatcher {
	d := NewDispatcher(m.log)
	d.OnStreamLive = m.resetAttempts
	d.Handle(EventChatMessage, func(ctx context.Context, evt Event) error {
		return m.processor.Handle(ctx, conn, evt)
	})
	d.Handle(EventThreadRenamed, func(ctx context.Context, evt Event) error {
		return m.engine.HandleThreadRenamed(ctx, conn, evt)
	})
	d.Handle(EventMemberRenamed, func(ctx context.Context, evt Event) error {
		return m.engine.HandleMemberRenamed(ctx, conn, evt)
	})
	d.Handle(EventThreadPhotoChanged, func(ctx context.Context, evt Event) error {
		return m.engine.HandleThreadPhotoChanged(ctx, conn, evt)
	})
	d.Handle(EventMemberAdded, func(ctx context.Context, evt Event) error {
		if evt.MemberID == conn.SelfID() {
			if m.groups.Add(evt.GroupID) {
				m.log.Info().Str("group_id", evt.GroupID).Msg("Added to new group")
				m.notifyGroups()
			}
			return nil
		}
		return m.engine.HandleMemberAdded(ctx, conn, evt)
	})
	return d
}

// afterConnect performs the one-time startup actions: credential persist,
// joined-group sync, settle delay, display-name normalization, and the
// optional startup broadcast.
func (m *Manager) afterConnect(ctx context.Context, conn Conn) {
	m.persistCredentials(ctx, conn)
	m.syncGroups(ctx, conn)

	if err := sleepCtx(ctx, m.SettleDelay); err != nil {
		return
	}

	cfg := m.cfg.Current()
	if cfg.BotNickname != "" {
		for _, groupID := range m.groups.IDs() {
			if err := conn.SetMemberNickname(ctx, groupID, conn.SelfID(), cfg.BotNickname); err != nil {
				m.log.Warn().Err(err).Str("group_id", groupID).Msg("Failed to normalize display name")
			}
		}
	}

	if m.StartupNotice != "" {
		for _, groupID := range m.groups.Targets() {
			if err := conn.SendMessage(ctx, groupID, m.StartupNotice); err != nil {
				m.log.Warn().Err(err).Str("group_id", groupID).Msg("Failed to send startup notice")
			}
		}
	}
}

func (m *Manager) syncGroups(ctx context.Context, conn Conn) {
	ids, err := conn.JoinedThreads(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to sync joined groups")
		return
	}
	m.groups.Reset(ids)
	m.log.Info().Int("count", len(ids)).Msg("Joined groups synced")
	m.notifyGroups()
}

func (m *Manager) notifyGroups() {
	if m.OnGroupsChanged != nil {
		m.OnGroupsChanged(m.groups.IDs())
	}
}

// persistLoop writes the live credential blob to the config store every
// PersistInterval until the connection context ends.
func (m *Manager) persistLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.persistCredentials(ctx, conn)
		}
	}
}

// persistCredentials reads the current blob from the live handle and saves
// it. Failures are logged and the cycle skipped; nothing is fatal here.
func (m *Manager) persistCredentials(ctx context.Context, conn Conn) {
	creds, err := conn.Credentials(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to read live credentials, skipping persist")
		return
	}
	if err := m.cfg.Update(func(c *Config) { c.Cookies = creds }); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist credentials")
	}
}

func (m *Manager) setConn(conn Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

// closeConn closes the previous handle best-effort; closing failures are
// logged, not escalated.
func (m *Manager) closeConn(conn Conn) {
	if err := conn.Close(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to close session")
	}
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
}

func (m *Manager) resetAttempts() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
}

func (m *Manager) bumpAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	return m.attempts
}

// Attempts returns the current reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
