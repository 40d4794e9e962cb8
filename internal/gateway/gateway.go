// Package gateway is the session layer between WebSocket connections and
// the backend services. It enforces authenticate-first, binds connections
// to user identities, authorizes conversation access, applies rate limits,
// and translates between wire messages and the conversation log, presence
// tracker, and fan-out hub.
package gateway

import (
	"context"
	"encoding/base64"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/courier/chat-backend/internal/blob"
	"github.com/courier/chat-backend/internal/convlog"
	"github.com/courier/chat-backend/internal/hub"
	"github.com/courier/chat-backend/internal/identity"
	"github.com/courier/chat-backend/internal/metrics"
	"github.com/courier/chat-backend/internal/moderation"
	"github.com/courier/chat-backend/internal/presence"
	"github.com/courier/chat-backend/internal/protocol"
	"github.com/courier/chat-backend/internal/ratelimit"
	"github.com/courier/chat-backend/internal/session"
	"github.com/courier/chat-backend/internal/ws"
)

// MaxDisplayNameChars caps profile display names.
const MaxDisplayNameChars = 64

// Config holds gateway tuning parameters.
type Config struct {
	AuthWindow time.Duration // how long a fresh connection may stay unauthenticated
	OpTimeout  time.Duration // per-operation timeout for store and Redis calls
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AuthWindow: 10 * time.Second,
		OpTimeout:  5 * time.Second,
	}
}

// Deps are the services the gateway mediates. Sessions, Limiter, Blobs and
// Filter are optional; a nil value disables that concern.
type Deps struct {
	Auth     Authenticator
	Users    identity.Store
	Log      convlog.Log
	Hub      *hub.Hub
	Tracker  *presence.Tracker
	Sessions *session.Store
	Limiter  *ratelimit.Limiter
	Blobs    blob.Storage
	Filter   *moderation.Filter
}

// Gateway owns per-connection state and the protocol handlers.
type Gateway struct {
	cfg    Config
	deps   Deps
	server *ws.Server

	mu    sync.Mutex
	conns map[string]*connState // connection id -> state
}

type connState struct {
	userID    string
	authTimer *time.Timer
	convSubs  map[string]*subscription // conversation id -> live stream
	presSubs  map[string]*hub.Subscription
}

type subscription struct {
	sub  *hub.Subscription
	sink *connSink
}

// New creates a Gateway.
func New(cfg Config, deps Deps) *Gateway {
	return &Gateway{
		cfg:   cfg,
		deps:  deps,
		conns: make(map[string]*connState),
	}
}

// Attach wires the gateway into the WebSocket server: lifecycle callbacks
// plus one dispatcher handler per client message type.
func (g *Gateway) Attach(server *ws.Server, d *ws.MessageDispatcher) {
	g.server = server

	server.SetOnConnect(g.onConnect)
	server.SetOnDisconnect(g.onDisconnect)
	server.SetOnActivity(g.onActivity)

	d.Register(protocol.TypeAuthenticate, g.handleAuthenticate)
	d.Register(protocol.TypeSendMessage, g.handleSendMessage)
	d.Register(protocol.TypeStreamMessages, g.handleStreamMessages)
	d.Register(protocol.TypeListUsers, g.handleListUsers)
	d.Register(protocol.TypeUpdateProfile, g.handleUpdateProfile)
	d.Register(protocol.TypeSubscribePresence, g.handleSubscribePresence)
	d.Register(protocol.TypeSetPushToken, g.handleSetPushToken)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func (g *Gateway) onConnect(conn *ws.Connection) {
	if g.deps.Limiter != nil {
		ctx, cancel := g.opCtx()
		ok, _ := g.deps.Limiter.Allow(ctx, hostOf(conn.RemoteAddr), ratelimit.RuleConnect)
		cancel()
		if !ok {
			log.Printf("gateway: connect rate limited addr=%s conn=%s", conn.RemoteAddr, conn.ID)
			g.sendErr(conn, protocol.CodeUnauthenticated, "too many connection attempts")
			g.server.RemoveConnection(conn)
			return
		}
	}

	st := &connState{
		convSubs: make(map[string]*subscription),
		presSubs: make(map[string]*hub.Subscription),
	}
	st.authTimer = time.AfterFunc(g.cfg.AuthWindow, func() {
		if conn.UserID() != "" {
			return
		}
		log.Printf("gateway: auth window expired conn=%s", conn.ID)
		g.sendErr(conn, protocol.CodeUnauthenticated, "authentication required")
		g.server.RemoveConnection(conn)
	})

	g.mu.Lock()
	g.conns[conn.ID] = st
	g.mu.Unlock()

	if g.deps.Sessions != nil {
		ctx, cancel := g.opCtx()
		if err := g.deps.Sessions.Create(ctx, conn.ID); err != nil {
			log.Printf("gateway: create session conn=%s: %v", conn.ID, err)
		}
		cancel()
	}
}

func (g *Gateway) onDisconnect(conn *ws.Connection) {
	g.mu.Lock()
	st := g.conns[conn.ID]
	delete(g.conns, conn.ID)
	g.mu.Unlock()

	if st == nil {
		return
	}
	if st.authTimer != nil {
		st.authTimer.Stop()
	}

	for _, s := range st.convSubs {
		s.sub.Close()
	}
	for _, s := range st.presSubs {
		s.Close()
	}

	if st.userID != "" {
		g.deps.Tracker.Disconnect(st.userID, conn.ID)
	}

	if g.deps.Sessions != nil {
		ctx, cancel := g.opCtx()
		if err := g.deps.Sessions.Delete(ctx, conn.ID); err != nil {
			log.Printf("gateway: delete session conn=%s: %v", conn.ID, err)
		}
		cancel()
	}
}

func (g *Gateway) onActivity(conn *ws.Connection) {
	uid := conn.UserID()
	if uid == "" {
		return
	}
	g.deps.Tracker.Touch(uid, conn.ID)

	if g.deps.Sessions != nil {
		go func() {
			ctx, cancel := g.opCtx()
			defer cancel()
			if err := g.deps.Sessions.Touch(ctx, conn.ID); err != nil {
				log.Printf("gateway: touch session conn=%s: %v", conn.ID, err)
			}
		}()
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleAuthenticate(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.AuthenticateMsg)

	if conn.UserID() != "" {
		g.sendErr(conn, protocol.CodeInvalidMessage, "already authenticated")
		return
	}

	p, err := g.deps.Auth.Authenticate(m.Token)
	if err != nil {
		log.Printf("gateway: authenticate failed conn=%s: %v", conn.ID, err)
		g.sendErr(conn, protocol.CodeUnauthenticated, "invalid credentials")
		g.server.RemoveConnection(conn)
		return
	}

	g.mu.Lock()
	st := g.conns[conn.ID]
	if st != nil {
		st.userID = p.ID
		if st.authTimer != nil {
			st.authTimer.Stop()
		}
	}
	g.mu.Unlock()
	if st == nil {
		// Disconnected while the token was being verified.
		return
	}

	conn.SetUserID(p.ID)

	ctx, cancel := g.opCtx()
	defer cancel()

	if err := g.deps.Users.Upsert(ctx, identity.User{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Email:       p.Email,
	}); err != nil {
		log.Printf("gateway: upsert user=%s: %v", p.ID, err)
		g.sendErr(conn, protocol.CodeInternal, "internal error")
		return
	}

	if g.deps.Sessions != nil {
		if err := g.deps.Sessions.Bind(ctx, conn.ID, p.ID); err != nil {
			log.Printf("gateway: bind session conn=%s user=%s: %v", conn.ID, p.ID, err)
		}
	}

	g.deps.Tracker.Connect(p.ID, conn.ID)

	log.Printf("gateway: authenticated conn=%s user=%s", conn.ID, p.ID)
	g.send(conn, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
		UserID:      p.ID,
		DisplayName: p.DisplayName,
	})
}

func (g *Gateway) handleSendMessage(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.SendMessageMsg)

	uid, ok := g.requireUser(conn)
	if !ok {
		return
	}

	if err := convlog.ValidateUserID(m.ReceiverID); err != nil {
		g.sendErr(conn, protocol.CodeInvalidMessage, "invalid receiver id")
		return
	}
	if m.ReceiverID == uid {
		g.sendErr(conn, protocol.CodeInvalidMessage, "cannot message yourself")
		return
	}

	ctx, cancel := g.opCtx()
	defer cancel()

	if g.deps.Limiter != nil {
		allowed, _ := g.deps.Limiter.Allow(ctx, uid, ratelimit.RuleSend)
		if !allowed {
			retry := g.deps.Limiter.RetryAfter(ctx, uid, ratelimit.RuleSend)
			g.send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
			return
		}
	}

	if g.deps.Filter != nil {
		if res := g.deps.Filter.Check(m.Text); res.Blocked {
			log.Printf("gateway: message blocked user=%s reason=%s term=%s", uid, res.Reason, res.Term)
			g.sendErr(conn, protocol.CodeInvalidMessage, "message blocked by content policy")
			return
		}
	}

	if _, err := g.deps.Users.Get(ctx, m.ReceiverID); err != nil {
		if err == identity.ErrNotFound {
			g.sendErr(conn, protocol.CodeNotFound, "receiver not found")
			return
		}
		log.Printf("gateway: lookup receiver=%s: %v", m.ReceiverID, err)
		g.sendErr(conn, protocol.CodeInternal, "internal error")
		return
	}

	start := time.Now()
	committed, err := g.deps.Log.Append(ctx, uid, m.ReceiverID, m.Text, m.AttachmentRef)
	if err != nil {
		log.Printf("gateway: append user=%s receiver=%s: %v", uid, m.ReceiverID, err)
		g.sendErr(conn, protocol.CodeInvalidMessage, "message rejected")
		return
	}
	metrics.MessagesAppended.Inc()
	metrics.AppendLatency.Observe(time.Since(start).Seconds())

	g.send(conn, protocol.TypeMessageSent, protocol.MessageSentMsg{
		ConversationID: committed.ConversationID,
		Seq:            committed.Seq,
		Ts:             committed.CreatedAt.Unix(),
	})
}

func (g *Gateway) handleStreamMessages(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.StreamMessagesMsg)

	uid, ok := g.requireUser(conn)
	if !ok {
		return
	}

	if !convlog.IsParticipant(m.ConversationID, uid) {
		g.sendErr(conn, protocol.CodeUnauthorized, "not a participant of this conversation")
		return
	}

	// Re-subscribing to the same conversation replaces the previous stream.
	g.mu.Lock()
	st := g.conns[conn.ID]
	var prev *subscription
	if st != nil {
		prev = st.convSubs[m.ConversationID]
		delete(st.convSubs, m.ConversationID)
	}
	g.mu.Unlock()
	if st == nil {
		return
	}
	if prev != nil {
		prev.sub.Close()
	}

	// Subscribe before reading history so nothing committed in between is
	// missed. Events buffer until Start; the seq floor drops what the
	// replay already delivered.
	sink := &connSink{server: g.server, connID: conn.ID, minSeq: m.AfterSeq}
	sub := g.deps.Hub.Subscribe(m.ConversationID, uid, sink)

	ctx, cancel := g.opCtx()
	msgs, err := g.deps.Log.Messages(ctx, m.ConversationID, m.AfterSeq)
	cancel()
	if err != nil && err != convlog.ErrNotFound {
		sub.Close()
		log.Printf("gateway: history conv=%s: %v", m.ConversationID, err)
		g.sendErr(conn, protocol.CodeInternal, "internal error")
		return
	}

	history := protocol.HistoryMsg{
		ConversationID: m.ConversationID,
		Messages:       make([]protocol.MessageMsg, 0, len(msgs)),
	}
	floor := m.AfterSeq
	for _, mm := range msgs {
		history.Messages = append(history.Messages, messageWire(&mm))
		if mm.Seq > floor {
			floor = mm.Seq
		}
	}
	sink.setMinSeq(floor)

	g.send(conn, protocol.TypeHistory, history)

	g.mu.Lock()
	st, stillThere := g.conns[conn.ID]
	if stillThere {
		st.convSubs[m.ConversationID] = &subscription{sub: sub, sink: sink}
	}
	g.mu.Unlock()
	if !stillThere {
		sub.Close()
		return
	}

	sub.Start()
}

func (g *Gateway) handleListUsers(conn *ws.Connection, msg interface{}) {
	if _, ok := g.requireUser(conn); !ok {
		return
	}

	ctx, cancel := g.opCtx()
	defer cancel()

	users, err := g.deps.Users.List(ctx)
	if err != nil {
		log.Printf("gateway: list users: %v", err)
		g.sendErr(conn, protocol.CodeInternal, "internal error")
		return
	}

	out := protocol.UsersMsg{Users: make([]protocol.UserEntry, 0, len(users))}
	for _, u := range users {
		entry := protocol.UserEntry{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			AvatarURL:   u.AvatarURL,
			Presence:    u.Presence,
		}
		if entry.Presence == "" {
			entry.Presence = identity.PresenceOffline
		}
		if u.LastSeenAt != nil {
			entry.LastSeen = u.LastSeenAt.Unix()
		}
		out.Users = append(out.Users, entry)
	}
	g.send(conn, protocol.TypeUsers, out)
}

func (g *Gateway) handleUpdateProfile(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.UpdateProfileMsg)

	uid, ok := g.requireUser(conn)
	if !ok {
		return
	}

	name := strings.TrimSpace(m.DisplayName)
	if name == "" || utf8.RuneCountInString(name) > MaxDisplayNameChars {
		g.sendErr(conn, protocol.CodeInvalidMessage, "invalid display name")
		return
	}

	ctx, cancel := g.opCtx()
	defer cancel()

	var avatarURL string
	if m.Picture != "" {
		if g.deps.Blobs == nil {
			g.sendErr(conn, protocol.CodeUnsupported, "picture uploads not enabled")
			return
		}
		data, err := base64.StdEncoding.DecodeString(m.Picture)
		if err != nil {
			g.sendErr(conn, protocol.CodeInvalidMessage, "picture is not valid base64")
			return
		}
		avatarURL, err = g.deps.Blobs.Put(ctx, uid, data, "")
		if err != nil {
			log.Printf("gateway: store picture user=%s: %v", uid, err)
			g.sendErr(conn, protocol.CodeInvalidMessage, "picture rejected")
			return
		}
		if err := g.deps.Users.SetAvatarURL(ctx, uid, avatarURL); err != nil {
			log.Printf("gateway: set avatar user=%s: %v", uid, err)
			g.sendErr(conn, protocol.CodeInternal, "internal error")
			return
		}
	}

	if err := g.deps.Users.SetDisplayName(ctx, uid, name); err != nil {
		log.Printf("gateway: set display name user=%s: %v", uid, err)
		g.sendErr(conn, protocol.CodeInternal, "internal error")
		return
	}

	g.send(conn, protocol.TypeProfileUpdated, protocol.ProfileUpdatedMsg{
		DisplayName: name,
		AvatarURL:   avatarURL,
	})
}

func (g *Gateway) handleSubscribePresence(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.SubscribePresenceMsg)

	uid, ok := g.requireUser(conn)
	if !ok {
		return
	}

	if err := convlog.ValidateUserID(m.UserID); err != nil {
		g.sendErr(conn, protocol.CodeInvalidMessage, "invalid user id")
		return
	}

	g.mu.Lock()
	st := g.conns[conn.ID]
	var prev *hub.Subscription
	if st != nil {
		prev = st.presSubs[m.UserID]
		delete(st.presSubs, m.UserID)
	}
	g.mu.Unlock()
	if st == nil {
		return
	}
	if prev != nil {
		prev.Close()
	}

	sink := &connSink{server: g.server, connID: conn.ID}
	sub := g.deps.Hub.SubscribePresence(m.UserID, uid, sink)

	// Current status first, transitions after.
	snapshot := protocol.PresenceMsg{UserID: m.UserID, Status: string(presence.Offline)}
	ctx, cancel := g.opCtx()
	if u, err := g.deps.Users.Get(ctx, m.UserID); err == nil {
		if u.Presence != "" {
			snapshot.Status = u.Presence
		}
		if u.LastSeenAt != nil {
			snapshot.LastSeen = u.LastSeenAt.Unix()
		}
	}
	cancel()
	g.send(conn, protocol.TypePresence, snapshot)

	g.mu.Lock()
	st, stillThere := g.conns[conn.ID]
	if stillThere {
		st.presSubs[m.UserID] = sub
	}
	g.mu.Unlock()
	if !stillThere {
		sub.Close()
		return
	}

	sub.Start()
}

func (g *Gateway) handleSetPushToken(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.SetPushTokenMsg)

	uid, ok := g.requireUser(conn)
	if !ok {
		return
	}

	ctx, cancel := g.opCtx()
	defer cancel()

	if err := g.deps.Users.SetPushToken(ctx, uid, m.Token); err != nil {
		log.Printf("gateway: set push token user=%s: %v", uid, err)
		g.sendErr(conn, protocol.CodeInternal, "internal error")
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// requireUser returns the connection's authenticated user id, or sends an
// unauthenticated error when the client skipped the authenticate step.
func (g *Gateway) requireUser(conn *ws.Connection) (string, bool) {
	uid := conn.UserID()
	if uid == "" {
		g.sendErr(conn, protocol.CodeUnauthenticated, "authenticate first")
		return "", false
	}
	return uid, true
}

func (g *Gateway) send(conn *ws.Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("gateway: build %s conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := g.server.SendMessage(conn.ID, data); err != nil {
		log.Printf("gateway: send %s conn=%s: %v", msgType, conn.ID, err)
	}
}

func (g *Gateway) sendErr(conn *ws.Connection, code, message string) {
	g.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (g *Gateway) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.cfg.OpTimeout)
}

// hostOf strips the port from a remote address for rate limit keying.
func hostOf(addr string) string {
	if i := strings.LastIndexByte(addr, ':'); i > 0 {
		return addr[:i]
	}
	return addr
}

func messageWire(m *convlog.Message) protocol.MessageMsg {
	return protocol.MessageMsg{
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Text:           m.Text,
		AttachmentRef:  m.AttachmentRef,
		Ts:             m.CreatedAt.Unix(),
	}
}

// connSink delivers hub events to one connection. minSeq suppresses
// messages already covered by the history replay.
type connSink struct {
	server *ws.Server
	connID string

	mu     sync.Mutex
	minSeq int64
}

func (s *connSink) setMinSeq(seq int64) {
	s.mu.Lock()
	if seq > s.minSeq {
		s.minSeq = seq
	}
	s.mu.Unlock()
}

// Send implements hub.Sink.
func (s *connSink) Send(ev hub.Event) error {
	var (
		data []byte
		err  error
	)

	switch ev.Type {
	case hub.EventMessage:
		s.mu.Lock()
		floor := s.minSeq
		s.mu.Unlock()
		if ev.Message.Seq <= floor {
			return nil
		}
		data, err = protocol.NewServerMessage(protocol.TypeMessage, messageWire(ev.Message))
	case hub.EventPresence:
		pm := protocol.PresenceMsg{
			UserID: ev.Presence.UserID,
			Status: string(ev.Presence.Status),
		}
		if ev.Presence.LastSeen != nil {
			pm.LastSeen = ev.Presence.LastSeen.Unix()
		}
		data, err = protocol.NewServerMessage(protocol.TypePresence, pm)
	default:
		return nil
	}

	if err != nil {
		return err
	}
	return s.server.SendMessage(s.connID, data)
}
