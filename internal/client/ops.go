package client

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/chains"
	"github.com/danmuck/taulink/internal/exchange"
	"github.com/danmuck/taulink/internal/keystore"
	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/google/uuid"
)

// InviteExpiry is how long a channel invite code stays valid.
const InviteExpiry = 24 * time.Hour

var ErrChatNotFound = errors.New("client: chat not found")

func (s *Session) Login(ctx context.Context, token, device string) (string, error) {
	res, err := chain.UseValue(s.reg, chains.NewLogin(), func(c *chains.Login) (msg.LoginResponse, error) {
		return c.Login(ctx, token, device)
	})
	if err != nil {
		return "", err
	}
	s.ex.SetNickname(res.Nickname)
	return res.Nickname, nil
}

// WhoAmI asks the node who this session is and remembers the answer.
func (s *Session) WhoAmI(ctx context.Context) (string, error) {
	nick, err := chain.UseValue(s.reg, chains.NewWhoAmI(), func(c *chains.WhoAmI) (string, error) {
		return c.Nickname(ctx)
	})
	if err != nil {
		return "", err
	}
	s.ex.SetNickname(nick)
	return nick, nil
}

func (s *Session) Register(ctx context.Context, nickname, password, device string) (msg.RegistrationResponse, error) {
	return s.ex.Register(ctx, nickname, password, device)
}

// LoginHistory returns decrypted login records. Entries whose key is
// unknown are skipped.
func (s *Session) LoginHistory(ctx context.Context) ([]exchange.LoginRecord, error) {
	entries, err := chain.UseValue(s.reg, chains.NewLogin(), func(c *chains.Login) ([]msg.LoginEntry, error) {
		return c.History(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := make([]exchange.LoginRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := s.ex.DecryptLogin(ctx, e)
		if err != nil {
			if keystore.IsNotFound(err) {
				s.logger.Warn().Err(err).Str("key_id", e.EncryptorID.String()).Msg("client.Session.LoginHistory skipped entry")
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Session) Send(ctx context.Context, m exchange.Outgoing) (uuid.UUID, error) {
	return s.ex.Send(ctx, m)
}

func (s *Session) DialogSend(ctx context.Context, peer string, m exchange.Outgoing) (exchange.SendResult, error) {
	return s.ex.DialogSend(ctx, peer, m)
}

func (s *Session) GroupSend(ctx context.Context, m exchange.Outgoing) (exchange.SendResult, error) {
	return s.ex.GroupSend(ctx, m)
}

func (s *Session) LoadMessages(ctx context.Context, chatID uuid.UUID, index, size int) (msg.MessagesResponse, error) {
	return chain.UseValue(s.reg, chains.NewMessages(), func(c *chains.Messages) (msg.MessagesResponse, error) {
		return c.Page(ctx, chatID, index, size)
	})
}

// ChatView is a chat plus its last message in plaintext when we hold the key.
type ChatView struct {
	Chat      msg.ChatInfo
	Decrypted *string
}

// GetChats lists the session's chats and decrypts last messages where it can.
func (s *Session) GetChats(ctx context.Context) ([]ChatView, error) {
	infos, err := chain.UseValue(s.reg, chains.NewChats(), func(c *chains.Chats) ([]msg.ChatInfo, error) {
		return c.ByMember(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := make([]ChatView, 0, len(infos))
	for _, info := range infos {
		view := ChatView{Chat: info}
		if last := info.LastMessage; last != nil && last.Message.Encrypted() {
			text, err := s.ex.Decrypt(ctx, last.Message, info.OtherNickname)
			if err != nil {
				s.logger.Warn().Err(err).
					Str("chat_id", info.ID.String()).
					Bool("key_not_found", keystore.IsNotFound(err)).
					Msg("client.Session.GetChats last message left encrypted")
			} else {
				view.Decrypted = &text
			}
		}
		out = append(out, view)
	}
	return out, nil
}

func (s *Session) LoadChat(ctx context.Context, chatID uuid.UUID) (msg.ChatInfo, error) {
	infos, err := chain.UseValue(s.reg, chains.NewChats(), func(c *chains.Chats) ([]msg.ChatInfo, error) {
		return c.ByID(ctx, chatID)
	})
	if err != nil {
		return msg.ChatInfo{}, err
	}
	if len(infos) == 0 {
		return msg.ChatInfo{}, ErrChatNotFound
	}
	return infos[0], nil
}

// AddMember creates a channel invite code for nickname.
func (s *Session) AddMember(ctx context.Context, chatID uuid.UUID, nickname string) (string, error) {
	return chain.UseValue(s.reg, chains.NewChannel(), func(c *chains.Channel) (string, error) {
		return c.Invite(ctx, chatID, nickname, InviteExpiry)
	})
}

func (s *Session) ChannelAvatar(ctx context.Context, chatID uuid.UUID) (*msg.FileDTO, error) {
	return chain.UseValue(s.reg, chains.NewChannel(), func(c *chains.Channel) (*msg.FileDTO, error) {
		return c.Avatar(ctx, chatID)
	})
}

func (s *Session) GroupAdd(ctx context.Context, groups ...string) error {
	return chain.Use(s.reg, chains.NewGroup(), func(c *chains.Group) error {
		return c.Add(ctx, groups...)
	})
}
