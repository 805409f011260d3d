package host

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/client"
	"github.com/danmuck/taulink/internal/exchange"
	"github.com/danmuck/taulink/internal/keystore"
	"github.com/danmuck/taulink/internal/link"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrUnknownMethod = errors.New("host: unknown method")

type method func(ctx context.Context, p params) (any, error)

// Methods is the host-callable surface. Every result is either
// {"success": value} or {"error": {"name": ..., "message": ...}}.
type Methods struct {
	sessions *client.Manager
	table    map[string]method
}

var _ Handler = (*Methods)(nil)

func NewMethods(sessions *client.Manager) *Methods {
	m := &Methods{sessions: sessions}
	m.table = map[string]method{
		"connect":            m.connect,
		"disconnect":         m.disconnect,
		"send":               m.send,
		"group-send":         m.groupSend,
		"dialog-send":        m.dialogSend,
		"get-chats":          m.getChats,
		"load-messages":      m.loadMessages,
		"load-clients":       m.loadClients,
		"load-chat":          m.loadChat,
		"add-member":         m.addMember,
		"get-channel-avatar": m.channelAvatar,
		"register":           m.register,
		"login":              m.login,
		"login-history":      m.loginHistory,
		"who-am-i":           m.whoAmI,
		"group":              m.group,
		"chain":              m.chain,
	}
	return m
}

// Names lists the callable methods.
func (m *Methods) Names() []string {
	out := make([]string, 0, len(m.table))
	for name := range m.table {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Methods) Handle(ctx context.Context, name string, raw map[string]any) (out map[string]any) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("method", name).Str("panic", fmt.Sprint(p)).Msg("host.Methods.Handle recovered")
			out = errorResult(fmt.Errorf("host: %s panicked: %v", name, p))
		}
	}()
	m.sessions.Prune()

	fn, ok := m.table[name]
	if !ok {
		return errorResult(fmt.Errorf("%w: %q", ErrUnknownMethod, name))
	}
	res, err := fn(ctx, params(raw))
	if err != nil {
		log.Warn().Err(err).Str("method", name).Msg("host.Methods.Handle")
		return errorResult(err)
	}
	return map[string]any{"success": res}
}

func errorResult(err error) map[string]any {
	return map[string]any{"error": map[string]any{
		"name":    errorName(err),
		"message": err.Error(),
	}}
}

func errorName(err error) string {
	var (
		perr *chain.ProtocolError
		uerr *chain.UnexpectedMessageTypeError
		derr *chain.DeserializationError
		rerr *chain.RegistrationError
	)
	switch {
	case errors.As(err, &perr):
		return perr.Name
	case keystore.IsNotFound(err):
		return "KeyStorageNotFound"
	case errors.As(err, &uerr):
		return "UnexpectedMessageType"
	case errors.As(err, &derr):
		return "Deserialization"
	case errors.As(err, &rerr):
		return "Registration"
	case errors.Is(err, client.ErrClientNotFound):
		return "ClientNotFound"
	case errors.Is(err, ErrMissingParam):
		return "TooFewArgs"
	case errors.Is(err, ErrUnknownMethod):
		return "UnknownMethod"
	case errors.Is(err, ErrUnknownChainMethod):
		return "UnknownChainMethod"
	case errors.Is(err, ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	default:
		return "Internal"
	}
}

func (m *Methods) session(p params) (*client.Session, error) {
	id, err := p.id("uuid")
	if err != nil {
		return nil, err
	}
	return m.sessions.Get(id)
}

func (m *Methods) connect(ctx context.Context, p params) (any, error) {
	raw, err := p.str("link")
	if err != nil {
		return nil, err
	}
	l, err := link.Parse(raw)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	if p.optStr("uuid") != "" {
		if id, err = p.id("uuid"); err != nil {
			return nil, err
		}
	}
	s, err := m.sessions.Connect(ctx, id, l)
	if err != nil {
		return nil, err
	}
	return map[string]any{"uuid": s.ID().String(), "endpoint": l.Address.Dial()}, nil
}

func (m *Methods) disconnect(_ context.Context, p params) (any, error) {
	id, err := p.id("uuid")
	if err != nil {
		return nil, err
	}
	if err := m.sessions.Disconnect(id); err != nil {
		return nil, err
	}
	return "disconnected", nil
}

func outgoing(p params) (exchange.Outgoing, error) {
	chatID, err := p.id("chat-id")
	if err != nil {
		return exchange.Outgoing{}, err
	}
	content, err := p.str("content")
	if err != nil {
		return exchange.Outgoing{}, err
	}
	replies, err := p.ids("replies")
	if err != nil {
		return exchange.Outgoing{}, err
	}
	files, err := p.ids("file-ids")
	if err != nil {
		return exchange.Outgoing{}, err
	}
	return exchange.Outgoing{ChatID: chatID, Content: content, RepliedTo: replies, FileIDs: files}, nil
}

func (m *Methods) send(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	out, err := outgoing(p)
	if err != nil {
		return nil, err
	}
	id, err := s.Send(ctx, out)
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}

func (m *Methods) groupSend(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	out, err := outgoing(p)
	if err != nil {
		return nil, err
	}
	res, err := s.GroupSend(ctx, out)
	if err != nil {
		return nil, err
	}
	return res.Map(), nil
}

func (m *Methods) dialogSend(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	peer, err := p.str("nickname")
	if err != nil {
		return nil, err
	}
	out, err := outgoing(p)
	if err != nil {
		return nil, err
	}
	res, err := s.DialogSend(ctx, peer, out)
	if err != nil {
		return nil, err
	}
	return res.Map(), nil
}

func (m *Methods) getChats(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	views, err := s.GetChats(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(views))
	for _, v := range views {
		out = append(out, v.Map())
	}
	return out, nil
}

func (m *Methods) loadMessages(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	chatID, err := p.id("chat-id")
	if err != nil {
		return nil, err
	}
	page, err := s.LoadMessages(ctx, chatID, p.int("index", 0), p.int("size", 50))
	if err != nil {
		return nil, err
	}
	return client.PageMap(page), nil
}

func (m *Methods) loadClients(context.Context, params) (any, error) {
	sessions := m.sessions.List()
	out := make([]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]any{
			"uuid":     s.ID().String(),
			"link":     s.Link().String(),
			"endpoint": s.Link().Address.Dial(),
			"nickname": s.Nickname(),
		})
	}
	return out, nil
}

func (m *Methods) loadChat(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	chatID, err := p.id("chat-id")
	if err != nil {
		return nil, err
	}
	info, err := s.LoadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return client.ChatMap(info), nil
}

func (m *Methods) addMember(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	chatID, err := p.id("chat-id")
	if err != nil {
		return nil, err
	}
	nickname, err := p.str("nickname")
	if err != nil {
		return nil, err
	}
	return s.AddMember(ctx, chatID, nickname)
}

func (m *Methods) channelAvatar(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	chatID, err := p.id("chat-id")
	if err != nil {
		return nil, err
	}
	file, err := s.ChannelAvatar(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return client.FileMap(file), nil
}

func (m *Methods) register(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	nickname, err := p.str("nickname")
	if err != nil {
		return nil, err
	}
	password, err := p.str("password")
	if err != nil {
		return nil, err
	}
	res, err := s.Register(ctx, nickname, password, p.optStr("device"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"key-id": res.KeyID.String(), "token": res.Token}, nil
}

func (m *Methods) login(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	token, err := p.str("token")
	if err != nil {
		return nil, err
	}
	return s.Login(ctx, token, p.optStr("device"))
}

func (m *Methods) loginHistory(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	records, err := s.LoginHistory(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(records))
	for _, r := range records {
		out = append(out, r.Map())
	}
	return out, nil
}

func (m *Methods) whoAmI(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	return s.WhoAmI(ctx)
}

func (m *Methods) group(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	groups := p.strs("groups")
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: groups", ErrMissingParam)
	}
	if err := s.GroupAdd(ctx, groups...); err != nil {
		return nil, err
	}
	return "sent", nil
}
