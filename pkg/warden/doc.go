// Copyright 2024-2026 Aiku AI

// Package warden implements the resilient session and enforcement engine of
// a group-chat guardian bot.
//
// The bot holds admin-declared lock policies (group title, member
// nicknames, group photo) and continuously re-asserts them against external
// drift reported on the platform's live event stream.
//
// # Core Types
//
// [Manager] owns the live session: login with the stored credential blob,
// the initial group sync, the two-tier reconnect state machine, and
// periodic credential persistence.
//
// [Dispatcher] consumes the event stream on a single worker and routes each
// event to exactly one handler, isolating handler failures so one bad event
// cannot kill the stream.
//
// [Engine] and [PolicyStore] hold the per-group lock state and react to
// divergence events by reissuing the corrective action. Enforcement is
// idempotent: applying it to an already-compliant group is a no-op, and a
// failed corrective call leaves the policy active for the next drift event.
//
// [Processor] parses the prefixed command language against the engine and
// runs the fixed-phrase auto-reply matcher for everything else.
//
// The platform client is an opaque collaborator behind the [Transport] and
// [Conn] interfaces; [MattermostTransport] is the production
// implementation.
package warden
