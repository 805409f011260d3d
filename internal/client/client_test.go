package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/crypto"
	"github.com/danmuck/taulink/internal/exchange"
	"github.com/danmuck/taulink/internal/identity"
	"github.com/danmuck/taulink/internal/keystore"
	"github.com/danmuck/taulink/internal/link"
	"github.com/danmuck/taulink/internal/protocol/frame"
	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/danmuck/taulink/internal/testutil/fakenode"
	"github.com/danmuck/taulink/internal/testutil/testlog"
	"github.com/danmuck/taulink/internal/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type event struct {
	name    string
	payload map[string]any
}

type recordingSink struct {
	events chan event
}

func newSink() *recordingSink {
	return &recordingSink{events: make(chan event, 16)}
}

func (s *recordingSink) Notify(name string, payload map[string]any) {
	s.events <- event{name: name, payload: payload}
}

func (s *recordingSink) next(t *testing.T, name string) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-s.events:
			if ev.name == name {
				return ev.payload
			}
		case <-deadline:
			t.Fatalf("no %s event", name)
			return nil
		}
	}
}

var h1 = identity.NewAddress("h1", 0)

func testLink(t *testing.T, nickname string) link.Link {
	t.Helper()
	key, err := crypto.DefaultRegistry().Generate("ECIES")
	require.NoError(t, err)
	return link.Link{Nickname: nickname, Address: h1, ServerKey: key.PublicOnly()}
}

type harness struct {
	node    *fakenode.Node
	session *Session
	sink    *recordingSink
	store   *keystore.MemoryStore
	server  transport.Conn
}

func startSession(t *testing.T, nickname string, setup func(*fakenode.Node)) *harness {
	t.Helper()
	clientConn, serverConn := transport.Pipe(frame.DefaultLimits())
	node := fakenode.New()
	if setup != nil {
		setup(node)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = node.Serve(ctx, serverConn)
	}()

	h := &harness{node: node, sink: newSink(), store: keystore.NewMemoryStore(), server: serverConn}
	h.session = NewSession(context.Background(), uuid.New(), testLink(t, nickname), clientConn, Options{
		Store: h.store,
		Sink:  h.sink,
	})
	t.Cleanup(func() {
		h.session.Close()
		cancel()
		<-served
	})
	return h
}

func ctxFor(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSessionSavesServerKeyFromLink(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, "", nil)

	key, err := h.session.Keys().LoadServerKey(ctxFor(t), h1)
	require.NoError(t, err)
	require.Equal(t, h.session.Link().ServerKey.Public, key.Public)
	require.Equal(t, 1, h.store.Len(keystore.CategoryServerKey))
}

func TestLoginAndWhoAmISetNickname(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, "", func(n *fakenode.Node) {
		n.Handle(msg.TypeLoginRequest, func(req frame.Frame) []frame.Frame {
			return fakenode.Reply(req, msg.TypeLoginResponse, msg.LoginResponse{Nickname: "alice"})
		})
		n.Handle(msg.TypeWhoAmIRequest, func(req frame.Frame) []frame.Frame {
			return fakenode.Reply(req, msg.TypeWhoAmIResponse, msg.WhoAmIResponse{Nickname: "alice2"})
		})
	})
	ctx := ctxFor(t)

	nick, err := h.session.Login(ctx, "token", "laptop")
	require.NoError(t, err)
	require.Equal(t, "alice", nick)
	require.Equal(t, "alice", h.session.Nickname())

	nick, err = h.session.WhoAmI(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice2", h.session.Nickname())
	require.Equal(t, 0, h.session.Registry().Len())
}

func TestPushedMessageIsDecryptedForHost(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, "bob", nil)
	ctx := ctxFor(t)

	dekKey, err := crypto.DefaultRegistry().Generate("AES")
	require.NoError(t, err)
	dek := crypto.KeyEntry{ID: uuid.New(), Key: dekKey}
	seed := keystore.NewFacade(h.store)
	require.NoError(t, seed.SaveDEK(ctx, identity.NewMember("bob", h1), identity.NewMember("alice", h1), dek))

	ct, err := crypto.DefaultRegistry().EncryptString(dek.Key, "hi bob")
	require.NoError(t, err)
	view := msg.ChatMessageView{
		ID:       uuid.New(),
		Nickname: "alice",
		Message:  msg.ChatMessageInput{ChatID: uuid.New(), Content: ct, KeyID: &dek.ID},
	}
	f, err := msg.NewFrame(chain.ServerIDBit|1, msg.TypeForward, msg.Forward{Message: view})
	require.NoError(t, err)
	h.node.Push(f)

	got := h.sink.next(t, EventMessage)
	require.Equal(t, h.session.ID().String(), got["uuid"])
	require.Equal(t, false, got["your-session"])
	require.Equal(t, "hi bob", got["decrypted"])
	message := got["message"].(map[string]any)
	require.Equal(t, view.ID.String(), message["id"])
	require.Equal(t, dek.ID.String(), message["message"].(map[string]any)["key-id"])
}

func TestPushedMessageWithoutKeyStillNotifies(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, "bob", func(n *fakenode.Node) {
		n.Handle(msg.TypeDEKRequest, func(req frame.Frame) []frame.Frame {
			return fakenode.Reply(req, msg.TypeDEKListResponse, msg.DEKListResponse{})
		})
	})
	keyID := uuid.New()
	f, err := msg.NewFrame(chain.ServerIDBit|2, msg.TypeForward, msg.Forward{
		Message:     msg.ChatMessageView{ID: uuid.New(), Nickname: "alice", Message: msg.ChatMessageInput{Content: "??", KeyID: &keyID}},
		YourSession: true,
	})
	require.NoError(t, err)
	h.node.Push(f)

	got := h.sink.next(t, EventMessage)
	require.Equal(t, true, got["your-session"])
	require.NotContains(t, got, "decrypted")
}

func TestUnhandledPushIsAnsweredWithError(t *testing.T) {
	testlog.Start(t)
	errs := make(chan msg.ErrorPayload, 1)
	h := startSession(t, "", func(n *fakenode.Node) {
		n.Handle(msg.TypeError, func(req frame.Frame) []frame.Frame {
			errs <- fakenode.Decode[msg.ErrorPayload](req)
			return nil
		})
	})
	f, err := msg.NewFrame(chain.ServerIDBit|3, msg.TypeChatResponse, msg.ChatResponse{})
	require.NoError(t, err)
	h.node.Push(f)

	select {
	case e := <-errs:
		require.Equal(t, msg.CodeUnhandledType, e.Code)
	case <-time.After(3 * time.Second):
		t.Fatalf("no unhandled error reply")
	}
}

func TestGetChatsDecryptsWhatItCan(t *testing.T) {
	testlog.Start(t)
	dekKey, err := crypto.DefaultRegistry().Generate("AES")
	require.NoError(t, err)
	dek := crypto.KeyEntry{ID: uuid.New(), Key: dekKey}
	ct, err := crypto.DefaultRegistry().EncryptString(dek.Key, "last words")
	require.NoError(t, err)
	missing := uuid.New()
	known := msg.ChatInfo{ID: uuid.New(), Kind: msg.ChatKindDialog, OtherNickname: "alice",
		LastMessage: &msg.ChatMessageView{ID: uuid.New(), Message: msg.ChatMessageInput{Content: ct, KeyID: &dek.ID}}}
	unknown := msg.ChatInfo{ID: uuid.New(), Kind: msg.ChatKindDialog, OtherNickname: "carol",
		LastMessage: &msg.ChatMessageView{ID: uuid.New(), Message: msg.ChatMessageInput{Content: "x", KeyID: &missing}}}
	channel := msg.ChatInfo{ID: uuid.New(), Kind: msg.ChatKindChannel, Title: "news"}

	h := startSession(t, "bob", func(n *fakenode.Node) {
		n.Handle(msg.TypeChatRequest, func(req frame.Frame) []frame.Frame {
			in := fakenode.Decode[msg.ChatRequest](req)
			if in.Op == msg.ChatOpByID {
				return fakenode.Reply(req, msg.TypeChatResponse, msg.ChatResponse{})
			}
			return fakenode.Reply(req, msg.TypeChatResponse, msg.ChatResponse{Chats: []msg.ChatInfo{known, unknown, channel}})
		})
		n.Handle(msg.TypeDEKRequest, func(req frame.Frame) []frame.Frame {
			return fakenode.Reply(req, msg.TypeDEKListResponse, msg.DEKListResponse{})
		})
	})
	ctx := ctxFor(t)
	require.NoError(t, keystore.NewFacade(h.store).SaveDEK(ctx, identity.NewMember("bob", h1), identity.NewMember("alice", h1), dek))

	views, err := h.session.GetChats(ctx)
	require.NoError(t, err)
	require.Len(t, views, 3)
	require.NotNil(t, views[0].Decrypted)
	require.Equal(t, "last words", *views[0].Decrypted)
	require.Equal(t, "last words", views[0].Map()["decrypted-last-message"])
	require.Nil(t, views[1].Decrypted)
	require.Nil(t, views[2].Decrypted)
	require.Equal(t, "news", views[2].Map()["chat"].(map[string]any)["title"])

	_, err = h.session.LoadChat(ctx, uuid.New())
	require.ErrorIs(t, err, ErrChatNotFound)
}

func TestDialogSendOverSession(t *testing.T) {
	testlog.Start(t)
	bobKey, err := crypto.DefaultRegistry().Generate("ECIES")
	require.NoError(t, err)
	var mu sync.Mutex
	var stored []msg.ChatMessageInput
	h := startSession(t, "alice", func(n *fakenode.Node) {
		n.Handle(msg.TypeDEKRequest, func(req frame.Frame) []frame.Frame {
			in := fakenode.Decode[msg.DEKRequest](req)
			if in.Op == msg.DEKOpKeyOf {
				return fakenode.Reply(req, msg.TypeDEKKeyResponse, msg.KeyDTO{ID: uuid.New(), Encryption: "ECIES", Public: bobKey.Public})
			}
			return fakenode.Reply(req, msg.TypeHappy, msg.IDPayload{ID: uuid.New()})
		})
		n.Handle(msg.TypeForwardRequest, func(req frame.Frame) []frame.Frame {
			mu.Lock()
			stored = append(stored, fakenode.Decode[msg.ForwardRequest](req).Message)
			mu.Unlock()
			return fakenode.Reply(req, msg.TypeHappy, msg.IDPayload{ID: uuid.New()})
		})
	})
	ctx := ctxFor(t)

	res, err := h.session.DialogSend(ctx, "bob", exchange.Outgoing{ChatID: uuid.New(), Content: "psst"})
	require.NoError(t, err)
	require.NotNil(t, res.KeyID)

	id, err := h.session.Send(ctx, exchange.Outgoing{ChatID: uuid.New(), Content: "plain"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stored, 2)
	require.True(t, stored[0].Encrypted())
	require.NotEqual(t, "psst", stored[0].Content)
	require.False(t, stored[1].Encrypted())
	require.Equal(t, 2, h.store.Len(keystore.CategoryDEK)+h.store.Len(keystore.CategoryEncryptor))
}

func TestRemoteCloseNotifiesAndPrunes(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, "", nil)
	m := NewManager(Options{})
	require.NoError(t, m.Add(h.session))
	require.ErrorIs(t, m.Add(h.session), ErrDuplicateClient)

	require.NoError(t, h.server.Close())
	got := h.sink.next(t, EventDisconnect)
	require.Equal(t, h.session.ID().String(), got["uuid"])

	select {
	case <-h.session.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session not done")
	}
	_, err := m.Get(h.session.ID())
	require.ErrorIs(t, err, ErrClientNotFound)
	require.Equal(t, 1, m.Prune())
	require.Equal(t, 0, m.Len())
	require.True(t, errors.Is(m.Disconnect(h.session.ID()), ErrClientNotFound))
}

func TestManagerConnectUsesDialer(t *testing.T) {
	testlog.Start(t)
	clientConn, serverConn := transport.Pipe(frame.DefaultLimits())
	node := fakenode.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.Serve(ctx, serverConn)

	var dialed string
	sink := newSink()
	m := NewManager(Options{
		Sink: sink,
		Dial: func(_ context.Context, addr string) (transport.Conn, error) {
			dialed = addr
			return clientConn, nil
		},
	})
	id := uuid.New()
	s, err := m.Connect(ctxFor(t), id, testLink(t, "alice"))
	require.NoError(t, err)
	require.Equal(t, "h1:52525", dialed)
	require.Equal(t, "alice", s.Nickname())
	require.Len(t, m.List(), 1)

	_, err = m.Connect(ctxFor(t), id, testLink(t, "alice"))
	require.ErrorIs(t, err, ErrDuplicateClient)

	require.NoError(t, m.Disconnect(id))
	require.Equal(t, id.String(), sink.next(t, EventDisconnect)["uuid"])
	require.Equal(t, 0, m.Len())
}
