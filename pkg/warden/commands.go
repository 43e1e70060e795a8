// Copyright 2024-2026 Aiku AI

package warden

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const (
	deniedReply  = "You are not allowed to do that."
	unknownReply = "Unknown command. Try help."
	signature    = "~ warden"
)

// CommandContext is the ephemeral per-message context handed to a command
// handler. It is not retained after the handler returns.
type CommandContext struct {
	SenderID   string
	SenderName string
	GroupID    string
	Raw        string
	Args       []string
	IsAdmin    bool
}

type command struct {
	name      string
	usage     string
	help      string
	adminOnly bool
	run       func(ctx context.Context, conn Conn, cc *CommandContext) (string, error)
}

// Processor parses prefixed admin commands and runs the fixed-phrase
// auto-reply matcher for everything else.
type Processor struct {
	cfg     *ConfigStore
	engine  *Engine
	groups  *GroupSet
	replies *ReplyTable
	log     zerolog.Logger

	commands map[string]*command
	order    []string
}

func NewProcessor(cfg *ConfigStore, engine *Engine, groups *GroupSet, replies *ReplyTable, log zerolog.Logger) *Processor {
	p := &Processor{
		cfg:      cfg,
		engine:   engine,
		groups:   groups,
		replies:  replies,
		log:      log.With().Str("component", "commands").Logger(),
		commands: make(map[string]*command),
	}
	p.register()
	return p
}

func (p *Processor) add(cmd *command) {
	p.commands[cmd.name] = cmd
	p.order = append(p.order, cmd.name)
}

func (p *Processor) register() {
	p.add(&command{
		name: "group", usage: "group on <title> | group off", adminOnly: true,
		help: "lock or unlock the group title",
		run:  p.cmdGroup,
	})
	p.add(&command{
		name: "gclock", usage: "gclock <title>", adminOnly: true,
		help: "lock the group title",
		run: func(ctx context.Context, conn Conn, cc *CommandContext) (string, error) {
			return p.lockTitle(ctx, conn, cc, strings.Join(cc.Args, " "))
		},
	})
	p.add(&command{
		name: "gcremove", usage: "gcremove", adminOnly: true,
		help: "unlock the group title",
		run: func(_ context.Context, _ Conn, cc *CommandContext) (string, error) {
			p.engine.UnlockTitle(cc.GroupID)
			return "Group title unlocked.", nil
		},
	})
	p.add(&command{
		name: "nickname", usage: "nickname on <nick> | nickname off", adminOnly: true,
		help: "lock or unlock member nicknames",
		run:  p.cmdNickname,
	})
	p.add(&command{
		name: "nicklock", usage: "nicklock <member> <nick>", adminOnly: true,
		help: "set a per-member nickname override",
		run:  p.cmdNicklock,
	})
	p.add(&command{
		name: "nickremoveoff", usage: "nickremoveoff <member>", adminOnly: true,
		help: "remove one member's nickname override",
		run: func(_ context.Context, _ Conn, cc *CommandContext) (string, error) {
			if len(cc.Args) < 1 {
				return "Usage: nickremoveoff <member>", nil
			}
			p.engine.ClearNicknameOverride(cc.GroupID, cc.Args[0])
			return "Override removed.", nil
		},
	})
	p.add(&command{
		name: "nickremoveall", usage: "nickremoveall", adminOnly: true,
		help: "remove all nickname overrides",
		run: func(_ context.Context, _ Conn, cc *CommandContext) (string, error) {
			p.engine.ClearAllNicknameOverrides(cc.GroupID)
			return "All overrides removed.", nil
		},
	})
	p.add(&command{
		name: "photolock", usage: "photolock on|off", adminOnly: true,
		help: "lock or unlock the group photo",
		run:  p.cmdPhotolock,
	})
	p.add(&command{
		name: "fyt", usage: "fyt <name>", adminOnly: true,
		help: "change the warden's display name everywhere",
		run:  p.cmdFyt,
	})
	p.add(&command{
		name: "stop", usage: "stop", adminOnly: true,
		help: "toggle auto-replies in this group",
		run: func(_ context.Context, _ Conn, cc *CommandContext) (string, error) {
			if p.groups.ToggleAutoReply(cc.GroupID) {
				return "Auto-replies enabled here.", nil
			}
			return "Auto-replies disabled here.", nil
		},
	})
	p.add(&command{
		name: "target", usage: "target", adminOnly: true,
		help: "toggle broadcast targeting for this group",
		run: func(_ context.Context, _ Conn, cc *CommandContext) (string, error) {
			if p.groups.ToggleTarget(cc.GroupID) {
				return "This group is now a broadcast target.", nil
			}
			return "This group is no longer a broadcast target.", nil
		},
	})
	p.add(&command{
		name: "tid", usage: "tid",
		help: "show this group's thread ID",
		run: func(_ context.Context, _ Conn, cc *CommandContext) (string, error) {
			return "Thread ID: " + cc.GroupID, nil
		},
	})
	p.add(&command{
		name: "uid", usage: "uid [member]",
		help: "show your user ID, or look up a member",
		run: func(ctx context.Context, conn Conn, cc *CommandContext) (string, error) {
			if len(cc.Args) > 0 {
				info, err := conn.UserInfo(ctx, cc.Args[0])
				if err != nil {
					return "", fmt.Errorf("failed to look up user: %w", err)
				}
				return fmt.Sprintf("%s: %s (nickname %q)", info.ID, info.Username, info.Nickname), nil
			}
			return "Your ID: " + cc.SenderID, nil
		},
	})
	p.add(&command{
		name: "status", usage: "status",
		help: "show the lock state of this group",
		run:  p.cmdStatus,
	})
	p.add(&command{
		name: "help", usage: "help",
		help: "list commands",
		run:  p.cmdHelp,
	})
}

// Handle processes one chat message: command dispatch if prefixed,
// otherwise the canned-reply matcher. Messages from the session itself are
// ignored.
func (p *Processor) Handle(ctx context.Context, conn Conn, evt Event) error {
	if evt.SelfOriginated || evt.SenderID == conn.SelfID() {
		return nil
	}
	cfg := p.cfg.Current()
	prefix := cfg.EffectivePrefix()

	if !strings.HasPrefix(evt.Text, prefix) {
		if !p.groups.AutoReply(evt.GroupID) {
			return nil
		}
		reply, ok := p.replies.Match(evt.Text)
		if !ok {
			return nil
		}
		return p.send(ctx, conn, evt, reply)
	}

	fields := strings.Fields(strings.TrimPrefix(evt.Text, prefix))
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])

	cmd, ok := p.commands[name]
	if !ok {
		return p.send(ctx, conn, evt, unknownReply)
	}

	cc := &CommandContext{
		SenderID:   evt.SenderID,
		SenderName: evt.SenderName,
		GroupID:    evt.GroupID,
		Raw:        evt.Text,
		Args:       fields[1:],
		IsAdmin:    cfg.AdminID != "" && evt.SenderID == cfg.AdminID,
	}

	if cmd.adminOnly && !cc.IsAdmin {
		p.log.Debug().
			Str("command", name).
			Str("sender_id", evt.SenderID).
			Msg("Admin command denied")
		return p.send(ctx, conn, evt, deniedReply)
	}

	reply, err := cmd.run(ctx, conn, cc)
	if err != nil {
		p.log.Warn().Err(err).Str("command", name).Msg("Command failed")
		return p.send(ctx, conn, evt, "Could not do that: "+err.Error())
	}
	if reply == "" {
		return nil
	}
	return p.send(ctx, conn, evt, reply)
}

// send wraps the reply with the sender's display name and the signature
// block before sending. A send failure is logged, not escalated.
func (p *Processor) send(ctx context.Context, conn Conn, evt Event, body string) error {
	if err := conn.SendMessage(ctx, evt.GroupID, FormatReply(evt.SenderName, body)); err != nil {
		p.log.Warn().Err(err).Str("group_id", evt.GroupID).Msg("Failed to send reply")
	}
	return nil
}

// FormatReply is the cosmetic, stateless transform applied to every reply.
func FormatReply(senderName, body string) string {
	var b strings.Builder
	if senderName != "" {
		b.WriteString(senderName)
		b.WriteString(": ")
	}
	b.WriteString(body)
	b.WriteString("\n")
	b.WriteString(signature)
	return b.String()
}

func (p *Processor) cmdGroup(ctx context.Context, conn Conn, cc *CommandContext) (string, error) {
	if len(cc.Args) == 0 {
		return "Usage: group on <title> | group off", nil
	}
	switch strings.ToLower(cc.Args[0]) {
	case "on":
		return p.lockTitle(ctx, conn, cc, strings.Join(cc.Args[1:], " "))
	case "off":
		p.engine.UnlockTitle(cc.GroupID)
		return "Group title unlocked.", nil
	default:
		return "Usage: group on <title> | group off", nil
	}
}

func (p *Processor) lockTitle(ctx context.Context, conn Conn, cc *CommandContext, title string) (string, error) {
	if err := p.engine.LockTitle(ctx, conn, cc.GroupID, title); err != nil {
		return "A title is required.", nil
	}
	return fmt.Sprintf("Group title locked to %q.", title), nil
}

func (p *Processor) cmdNickname(ctx context.Context, conn Conn, cc *CommandContext) (string, error) {
	if len(cc.Args) == 0 {
		return "Usage: nickname on <nick> | nickname off", nil
	}
	switch strings.ToLower(cc.Args[0]) {
	case "on":
		nick := strings.Join(cc.Args[1:], " ")
		if err := p.engine.LockNicknames(ctx, conn, cc.GroupID, nick); err != nil {
			return "A nickname is required.", nil
		}
		return fmt.Sprintf("Nicknames locked to %q.", nick), nil
	case "off":
		p.engine.UnlockNicknames(cc.GroupID)
		return "Nickname lock removed.", nil
	default:
		return "Usage: nickname on <nick> | nickname off", nil
	}
}

func (p *Processor) cmdNicklock(ctx context.Context, conn Conn, cc *CommandContext) (string, error) {
	if len(cc.Args) < 2 {
		return "Usage: nicklock <member> <nick>", nil
	}
	member := cc.Args[0]
	nick := strings.Join(cc.Args[1:], " ")
	if err := p.engine.SetNicknameOverride(ctx, conn, cc.GroupID, member, nick); err != nil {
		return err.Error(), nil
	}
	return fmt.Sprintf("Nickname for %s locked to %q.", member, nick), nil
}

func (p *Processor) cmdPhotolock(ctx context.Context, conn Conn, cc *CommandContext) (string, error) {
	if len(cc.Args) == 0 {
		return "Usage: photolock on|off", nil
	}
	switch strings.ToLower(cc.Args[0]) {
	case "on":
		info, err := conn.ThreadInfo(ctx, cc.GroupID)
		if err != nil {
			return "", fmt.Errorf("failed to read group photo: %w", err)
		}
		if info.PhotoRef == "" {
			return "The group has no photo to lock.", nil
		}
		if err := p.engine.LockPhoto(ctx, conn, cc.GroupID, info.PhotoRef); err != nil {
			return "", err
		}
		return "Group photo locked.", nil
	case "off":
		p.engine.UnlockPhoto(cc.GroupID)
		return "Group photo unlocked.", nil
	default:
		return "Usage: photolock on|off", nil
	}
}

func (p *Processor) cmdFyt(ctx context.Context, conn Conn, cc *CommandContext) (string, error) {
	name := strings.Join(cc.Args, " ")
	if name == "" {
		return "Usage: fyt <name>", nil
	}
	for _, groupID := range p.groups.IDs() {
		if err := conn.SetMemberNickname(ctx, groupID, conn.SelfID(), name); err != nil {
			p.log.Warn().Err(err).Str("group_id", groupID).Msg("Failed to rename self")
		}
	}
	if err := p.cfg.Update(func(c *Config) { c.BotNickname = name }); err != nil {
		p.log.Warn().Err(err).Msg("Failed to persist bot nickname")
	}
	return fmt.Sprintf("Display name changed to %q.", name), nil
}

func (p *Processor) cmdStatus(_ context.Context, _ Conn, cc *CommandContext) (string, error) {
	pol := p.engine.Store().Get(cc.GroupID)
	var b strings.Builder
	b.WriteString("Locks for this group:\n")
	if pol == nil {
		b.WriteString("  none\n")
	} else {
		if pol.Title != nil {
			fmt.Fprintf(&b, "  title: %q\n", *pol.Title)
		}
		if pol.Nicknames != nil {
			fmt.Fprintf(&b, "  nicknames: %q (%d overrides)\n", pol.Nicknames.Default, len(pol.Nicknames.Overrides))
		}
		if pol.Photo != nil {
			b.WriteString("  photo: locked\n")
		}
	}
	fmt.Fprintf(&b, "Auto-replies: %v, broadcast target: %v", p.groups.AutoReply(cc.GroupID), p.groups.Target(cc.GroupID))
	return b.String(), nil
}

func (p *Processor) cmdHelp(_ context.Context, _ Conn, cc *CommandContext) (string, error) {
	prefix := p.cfg.Current().EffectivePrefix()
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range p.order {
		cmd := p.commands[name]
		if cmd.adminOnly && !cc.IsAdmin {
			continue
		}
		fmt.Fprintf(&b, "  %s%s - %s\n", prefix, cmd.usage, cmd.help)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
