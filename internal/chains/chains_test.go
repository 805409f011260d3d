package chains

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/protocol/frame"
	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/danmuck/taulink/internal/testutil/fakenode"
	"github.com/danmuck/taulink/internal/testutil/testlog"
	"github.com/google/uuid"
)

func newRegistry(t *testing.T, opts ...chain.Option) (*chain.Registry, *fakenode.Node) {
	t.Helper()
	node := fakenode.New()
	reg := chain.NewRegistry(node, opts...)
	node.Attach(reg.Dispatch)
	t.Cleanup(reg.Close)
	return reg, node
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestForwardRequestReusedUnderName(t *testing.T) {
	testlog.Start(t)
	reg, node := newRegistry(t)
	node.Handle(msg.TypeForwardRequest, func(req frame.Frame) []frame.Frame {
		in := fakenode.Decode[msg.ForwardRequest](req)
		if in.Message.Content == "" {
			return fakenode.Fail(req, msg.CodeTooFewArgs, "empty content")
		}
		return fakenode.Reply(req, msg.TypeHappy, msg.IDPayload{ID: uuid.New()})
	})

	fwd := NewForwardRequest()
	if err := reg.Link(fwd); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := reg.SetName(fwd, ForwardRequestName); err != nil {
		t.Fatalf("set name: %v", err)
	}

	ctx := testCtx(t)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok := chain.GetAs[*ForwardRequest](reg, ForwardRequestName)
			if !ok {
				errs <- errors.New("named chain missing")
				return
			}
			id, err := got.Message(ctx, msg.ChatMessageInput{ChatID: uuid.New(), Content: "hi"})
			if err == nil && id == uuid.Nil {
				err = errors.New("nil message id")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("message: %v", err)
		}
	}
	if got := node.Count(msg.TypeForwardRequest); got != 8 {
		t.Fatalf("requests = %d, want 8", got)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", reg.Len())
	}

	_, err := fwd.Message(ctx, msg.ChatMessageInput{ChatID: uuid.New()})
	var perr *chain.ProtocolError
	if !errors.As(err, &perr) || perr.Code != msg.CodeTooFewArgs {
		t.Fatalf("err = %v, want TooFewArgs protocol error", err)
	}
}

func TestForwardReceiverDeliversPushedMessages(t *testing.T) {
	testlog.Start(t)
	got := make(chan msg.Forward, 4)
	reg, node := newRegistry(t, chain.WithFactory(msg.TypeForward, ForwardReceiverFactory(
		func(_ context.Context, fwd msg.Forward) { got <- fwd },
	)))

	serverID := chain.ServerIDBit | 7
	for i := 0; i < 2; i++ {
		f, err := msg.NewFrame(serverID, msg.TypeForward, msg.Forward{
			Message:     msg.ChatMessageView{ID: uuid.New(), Nickname: "bob"},
			YourSession: i == 1,
		})
		if err != nil {
			t.Fatalf("frame: %v", err)
		}
		node.Push(f)
	}

	for i := 0; i < 2; i++ {
		select {
		case fwd := <-got:
			if fwd.Message.Nickname != "bob" {
				t.Fatalf("nickname = %q", fwd.Message.Nickname)
			}
			if fwd.YourSession != (i == 1) {
				t.Fatalf("your-session = %v at %d", fwd.YourSession, i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("forward %d not delivered", i)
		}
	}
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1 live receiver", reg.Len())
	}
}

func TestDEKChainOperations(t *testing.T) {
	testlog.Start(t)
	reg, node := newRegistry(t)
	encID := uuid.New()
	dekID := uuid.New()
	node.Handle(msg.TypeDEKRequest, func(req frame.Frame) []frame.Frame {
		in := fakenode.Decode[msg.DEKRequest](req)
		switch in.Op {
		case msg.DEKOpKeyOf:
			if in.Nickname != "bob" {
				return fakenode.Fail(req, msg.CodeAddressedNotFound, in.Nickname)
			}
			return fakenode.Reply(req, msg.TypeDEKKeyResponse, msg.KeyDTO{ID: encID, Encryption: "ECIES", Public: "pub"})
		case msg.DEKOpSend:
			if in.EncryptorID != encID || in.EncryptedKey != "wrapped" {
				return fakenode.Fail(req, msg.CodeInternal, "bad dek")
			}
			return fakenode.Reply(req, msg.TypeHappy, msg.IDPayload{ID: dekID})
		default:
			return fakenode.Reply(req, msg.TypeDEKListResponse, msg.DEKListResponse{
				Keys: []msg.DEKEntry{{ID: dekID, Sender: "bob", EncryptedKey: "wrapped"}},
			})
		}
	})
	ctx := testCtx(t)

	enc, err := chain.UseValue(reg, NewDEK(), func(c *DEK) (uuidKey, error) {
		e, err := c.GetKeyOf(ctx, "bob")
		return uuidKey{e.ID, e.Key.Public}, err
	})
	if err != nil || enc.id != encID || enc.public != "pub" {
		t.Fatalf("get key of = %+v, %v", enc, err)
	}

	err = chain.Use(reg, NewDEK(), func(c *DEK) error {
		_, err := c.GetKeyOf(ctx, "nobody")
		return err
	})
	var perr *chain.ProtocolError
	if !errors.As(err, &perr) || perr.Code != msg.CodeAddressedNotFound {
		t.Fatalf("err = %v, want AddressedNotFound", err)
	}

	id, err := chain.UseValue(reg, NewDEK(), func(c *DEK) (uuid.UUID, error) {
		return c.Send(ctx, "bob", encID, "wrapped")
	})
	if err != nil || id != dekID {
		t.Fatalf("send = %v, %v", id, err)
	}

	keys, err := chain.UseValue(reg, NewDEK(), func(c *DEK) ([]msg.DEKEntry, error) {
		return c.List(ctx)
	})
	if err != nil || len(keys) != 1 || keys[0].ID != dekID {
		t.Fatalf("list = %+v, %v", keys, err)
	}
	if reg.Len() != 0 {
		t.Fatalf("transient chains leaked: %d", reg.Len())
	}
}

type uuidKey struct {
	id     uuid.UUID
	public string
}

func TestAccountAndChatChains(t *testing.T) {
	testlog.Start(t)
	reg, node := newRegistry(t)
	chatID := uuid.New()
	node.Handle(msg.TypeRegistrationRequest, func(req frame.Frame) []frame.Frame {
		in := fakenode.Decode[msg.RegistrationRequest](req)
		return fakenode.Reply(req, msg.TypeRegistrationResponse, msg.RegistrationResponse{KeyID: in.Key.ID, Token: "tok-" + in.Nickname})
	})
	node.Handle(msg.TypeLoginRequest, func(req frame.Frame) []frame.Frame {
		in := fakenode.Decode[msg.LoginRequest](req)
		if in.Token != "tok-alice" {
			return fakenode.Fail(req, msg.CodeUnauthorized, "bad token")
		}
		return fakenode.Reply(req, msg.TypeLoginResponse, msg.LoginResponse{Nickname: "alice"})
	})
	node.Handle(msg.TypeWhoAmIRequest, func(req frame.Frame) []frame.Frame {
		return fakenode.Reply(req, msg.TypeWhoAmIResponse, msg.WhoAmIResponse{Nickname: "alice"})
	})
	node.Handle(msg.TypeChatRequest, func(req frame.Frame) []frame.Frame {
		in := fakenode.Decode[msg.ChatRequest](req)
		if in.Op == msg.ChatOpByID && len(in.ChatIDs) != 1 {
			return fakenode.Fail(req, msg.CodeTooFewArgs, "ids")
		}
		return fakenode.Reply(req, msg.TypeChatResponse, msg.ChatResponse{Chats: []msg.ChatInfo{{ID: chatID, Kind: msg.ChatKindDialog}}})
	})
	node.Handle(msg.TypeMessagesRequest, func(req frame.Frame) []frame.Frame {
		in := fakenode.Decode[msg.MessagesRequest](req)
		return fakenode.Reply(req, msg.TypeMessagesResponse, msg.MessagesResponse{Count: in.Index + in.Size})
	})
	node.Handle(msg.TypeChannelRequest, func(req frame.Frame) []frame.Frame {
		in := fakenode.Decode[msg.ChannelRequest](req)
		if in.Op == msg.ChannelOpInvite {
			return fakenode.Reply(req, msg.TypeChannelResponse, msg.ChannelResponse{Code: in.Nickname + "-" + in.Expiry.String()})
		}
		return fakenode.Reply(req, msg.TypeChannelResponse, msg.ChannelResponse{})
	})
	node.Handle(msg.TypeGroupRequest, func(req frame.Frame) []frame.Frame {
		return fakenode.Reply(req, msg.TypeHappy, nil)
	})
	ctx := testCtx(t)

	res, err := chain.UseValue(reg, NewRegistration(), func(c *Registration) (msg.RegistrationResponse, error) {
		return c.Register(ctx, msg.RegistrationRequest{Nickname: "alice", Key: msg.KeyDTO{ID: chatID}})
	})
	if err != nil || res.Token != "tok-alice" || res.KeyID != chatID {
		t.Fatalf("register = %+v, %v", res, err)
	}

	login, err := chain.UseValue(reg, NewLogin(), func(c *Login) (msg.LoginResponse, error) {
		return c.Login(ctx, res.Token, "laptop")
	})
	if err != nil || login.Nickname != "alice" {
		t.Fatalf("login = %+v, %v", login, err)
	}

	nick, err := chain.UseValue(reg, NewWhoAmI(), func(c *WhoAmI) (string, error) { return c.Nickname(ctx) })
	if err != nil || nick != "alice" {
		t.Fatalf("who am i = %q, %v", nick, err)
	}

	chats, err := chain.UseValue(reg, NewChats(), func(c *Chats) ([]msg.ChatInfo, error) { return c.ByID(ctx, chatID) })
	if err != nil || len(chats) != 1 || chats[0].ID != chatID {
		t.Fatalf("chats = %+v, %v", chats, err)
	}

	page, err := chain.UseValue(reg, NewMessages(), func(c *Messages) (msg.MessagesResponse, error) {
		return c.Page(ctx, chatID, 10, 5)
	})
	if err != nil || page.Count != 15 {
		t.Fatalf("page = %+v, %v", page, err)
	}

	code, err := chain.UseValue(reg, NewChannel(), func(c *Channel) (string, error) {
		return c.Invite(ctx, chatID, "bob", 24*time.Hour)
	})
	if err != nil || code != "bob-24h0m0s" {
		t.Fatalf("invite = %q, %v", code, err)
	}

	avatar, err := chain.UseValue(reg, NewChannel(), func(c *Channel) (*msg.FileDTO, error) { return c.Avatar(ctx, chatID) })
	if err != nil || avatar != nil {
		t.Fatalf("avatar = %+v, %v", avatar, err)
	}

	if err := chain.Use(reg, NewGroup(), func(c *Group) error { return c.Add(ctx, "news") }); err != nil {
		t.Fatalf("group add: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("transient chains leaked: %d", reg.Len())
	}
}

func TestUnexpectedReplyTypeIsReported(t *testing.T) {
	testlog.Start(t)
	reg, node := newRegistry(t)
	node.Handle(msg.TypeWhoAmIRequest, func(req frame.Frame) []frame.Frame {
		return fakenode.Reply(req, msg.TypeLoginResponse, msg.LoginResponse{Nickname: "x"})
	})
	_, err := chain.UseValue(reg, NewWhoAmI(), func(c *WhoAmI) (string, error) { return c.Nickname(testCtx(t)) })
	var uerr *chain.UnexpectedMessageTypeError
	if !errors.As(err, &uerr) || uerr.Actual != msg.TypeLoginResponse {
		t.Fatalf("err = %v, want unexpected type", err)
	}
}
