package chains

import (
	"context"
	"time"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/google/uuid"
)

type Messages struct {
	*chain.Chain
}

func NewMessages() *Messages {
	return &Messages{Chain: chain.New()}
}

// Page loads size messages of chatID starting at index.
func (c *Messages) Page(ctx context.Context, chatID uuid.UUID, index, size int) (msg.MessagesResponse, error) {
	var out msg.MessagesResponse
	req := msg.MessagesRequest{ChatID: chatID, Index: index, Size: size}
	err := c.Request(ctx, msg.TypeMessagesRequest, req, msg.TypeMessagesResponse, &out)
	return out, err
}

type Chats struct {
	*chain.Chain
}

func NewChats() *Chats {
	return &Chats{Chain: chain.New()}
}

// ByMember lists every chat this agent belongs to.
func (c *Chats) ByMember(ctx context.Context) ([]msg.ChatInfo, error) {
	return c.query(ctx, msg.ChatRequest{Op: msg.ChatOpByMember})
}

func (c *Chats) ByID(ctx context.Context, ids ...uuid.UUID) ([]msg.ChatInfo, error) {
	return c.query(ctx, msg.ChatRequest{Op: msg.ChatOpByID, ChatIDs: ids})
}

func (c *Chats) query(ctx context.Context, req msg.ChatRequest) ([]msg.ChatInfo, error) {
	var out msg.ChatResponse
	if err := c.Request(ctx, msg.TypeChatRequest, req, msg.TypeChatResponse, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

type Channel struct {
	*chain.Chain
}

func NewChannel() *Channel {
	return &Channel{Chain: chain.New()}
}

// Invite creates an invite code for nickname valid for expiry.
func (c *Channel) Invite(ctx context.Context, chatID uuid.UUID, nickname string, expiry time.Duration) (string, error) {
	var out msg.ChannelResponse
	req := msg.ChannelRequest{Op: msg.ChannelOpInvite, ChatID: chatID, Nickname: nickname, Expiry: expiry}
	if err := c.Request(ctx, msg.TypeChannelRequest, req, msg.TypeChannelResponse, &out); err != nil {
		return "", err
	}
	return out.Code, nil
}

// Avatar returns nil when the channel has none.
func (c *Channel) Avatar(ctx context.Context, chatID uuid.UUID) (*msg.FileDTO, error) {
	var out msg.ChannelResponse
	req := msg.ChannelRequest{Op: msg.ChannelOpAvatar, ChatID: chatID}
	if err := c.Request(ctx, msg.TypeChannelRequest, req, msg.TypeChannelResponse, &out); err != nil {
		return nil, err
	}
	return out.Avatar, nil
}

type Group struct {
	*chain.Chain
}

func NewGroup() *Group {
	return &Group{Chain: chain.New()}
}

// Add joins the named broadcast groups.
func (c *Group) Add(ctx context.Context, groups ...string) error {
	return c.Request(ctx, msg.TypeGroupRequest, msg.GroupRequest{Add: groups}, msg.TypeHappy, nil)
}
