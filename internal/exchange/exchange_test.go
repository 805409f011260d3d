package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/crypto"
	"github.com/danmuck/taulink/internal/identity"
	"github.com/danmuck/taulink/internal/keystore"
	"github.com/danmuck/taulink/internal/protocol/frame"
	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/danmuck/taulink/internal/testutil/fakenode"
	"github.com/danmuck/taulink/internal/testutil/testlog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var h1 = identity.NewAddress("h1", 0)

// hub is a node that brokers DEKs and stores forwarded messages.
type hub struct {
	*fakenode.Node
	mu        sync.Mutex
	personal  map[string]crypto.KeyEntry
	deks      []msg.DEKEntry
	forwarded []msg.ChatMessageInput
	failKeyOf bool
}

func newHub(t *testing.T) *hub {
	t.Helper()
	h := &hub{Node: fakenode.New(), personal: make(map[string]crypto.KeyEntry)}
	h.Handle(msg.TypeDEKRequest, h.dek)
	h.Handle(msg.TypeForwardRequest, func(req frame.Frame) []frame.Frame {
		in := fakenode.Decode[msg.ForwardRequest](req)
		h.mu.Lock()
		h.forwarded = append(h.forwarded, in.Message)
		h.mu.Unlock()
		return fakenode.Reply(req, msg.TypeHappy, msg.IDPayload{ID: uuid.New()})
	})
	h.Handle(msg.TypeRegistrationRequest, func(req frame.Frame) []frame.Frame {
		return fakenode.Reply(req, msg.TypeRegistrationResponse, msg.RegistrationResponse{KeyID: uuid.New(), Token: "tok"})
	})
	return h
}

func (h *hub) addMember(t *testing.T, nickname string) crypto.KeyEntry {
	t.Helper()
	key, err := crypto.DefaultRegistry().Generate("ECIES")
	require.NoError(t, err)
	entry := crypto.KeyEntry{ID: uuid.New(), Key: key}
	h.mu.Lock()
	h.personal[nickname] = entry
	h.mu.Unlock()
	return entry
}

func (h *hub) dek(req frame.Frame) []frame.Frame {
	in := fakenode.Decode[msg.DEKRequest](req)
	h.mu.Lock()
	defer h.mu.Unlock()
	switch in.Op {
	case msg.DEKOpKeyOf:
		pk, ok := h.personal[in.Nickname]
		if !ok || h.failKeyOf {
			return fakenode.Fail(req, msg.CodeAddressedNotFound, in.Nickname)
		}
		return fakenode.Reply(req, msg.TypeDEKKeyResponse, msg.KeyDTO{ID: pk.ID, Encryption: pk.Key.Algorithm, Public: pk.Key.Public})
	case msg.DEKOpSend:
		id := uuid.New()
		h.deks = append(h.deks, msg.DEKEntry{ID: id, Sender: "alice", EncryptedKey: in.EncryptedKey})
		return fakenode.Reply(req, msg.TypeHappy, msg.IDPayload{ID: id})
	default:
		return fakenode.Reply(req, msg.TypeDEKListResponse, msg.DEKListResponse{Keys: append([]msg.DEKEntry(nil), h.deks...)})
	}
}

func (h *hub) lastForwarded(t *testing.T) msg.ChatMessageInput {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.forwarded)
	return h.forwarded[len(h.forwarded)-1]
}

func newOrchestrator(t *testing.T, h *hub, nickname string) (*Orchestrator, *keystore.Facade) {
	t.Helper()
	reg := chain.NewRegistry(h)
	h.Attach(reg.Dispatch)
	t.Cleanup(reg.Close)
	keys := keystore.NewFacade(keystore.NewMemoryStore())
	o := New(reg, keys, nil, Config{Address: h1})
	o.SetNickname(nickname)
	return o, keys
}

func ctxFor(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialogSendCreatesOneDEKThenReusesIt(t *testing.T) {
	testlog.Start(t)
	h := newHub(t)
	bobKey := h.addMember(t, "bob")
	o, keys := newOrchestrator(t, h, "alice")
	ctx := ctxFor(t)
	chatID := uuid.New()

	first, err := o.DialogSend(ctx, "bob", Outgoing{ChatID: chatID, Content: "hello bob"})
	require.NoError(t, err)
	require.NotNil(t, first.KeyID)
	require.Equal(t, 2, h.Count(msg.TypeDEKRequest))
	require.Equal(t, 1, countSends(h))

	h.mu.Lock()
	require.Len(t, h.deks, 1)
	pushed := h.deks[0]
	h.mu.Unlock()
	require.Equal(t, pushed.ID, *first.KeyID)

	sizes := keys.CacheSizes()
	require.Equal(t, 1, sizes[keystore.CategoryDEK])
	require.Equal(t, 1, sizes[keystore.CategoryDEKByID])
	require.Equal(t, 1, sizes[keystore.CategoryEncryptor])

	byID, err := keys.LoadDEKByID(ctx, h1, pushed.ID)
	require.NoError(t, err)
	byPair, err := keys.LoadDEK(ctx, identity.NewMember("bob", h1), identity.NewMember("alice", h1))
	require.NoError(t, err)
	require.Equal(t, pushed.ID, byPair.ID)
	require.True(t, byID.Equal(byPair.Key))

	// bob can open the DEK and the message
	reg := crypto.DefaultRegistry()
	dek, err := reg.UnwrapKey(bobKey.Key, pushed.EncryptedKey)
	require.NoError(t, err)
	sent := h.lastForwarded(t)
	require.True(t, sent.Encrypted())
	pt, err := reg.DecryptString(dek, sent.Content)
	require.NoError(t, err)
	require.Equal(t, "hello bob", pt)

	requests := h.Count(msg.TypeDEKRequest)
	second, err := o.DialogSend(ctx, "bob", Outgoing{ChatID: chatID, Content: "again"})
	require.NoError(t, err)
	require.Equal(t, *first.KeyID, *second.KeyID)
	require.Equal(t, requests, h.Count(msg.TypeDEKRequest))
	require.Equal(t, map[string]any{"message": second.MessageID.String(), "key": second.KeyID.String()}, second.Map())
}

func countSends(h *hub) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.deks)
}

func TestDialogSendFallsBackToPlaintext(t *testing.T) {
	testlog.Start(t)
	h := newHub(t)
	h.addMember(t, "bob")
	h.failKeyOf = true
	o, keys := newOrchestrator(t, h, "alice")
	ctx := ctxFor(t)

	res, err := o.DialogSend(ctx, "bob", Outgoing{ChatID: uuid.New(), Content: "in the clear"})
	require.NoError(t, err)
	require.Nil(t, res.KeyID)
	require.NotContains(t, res.Map(), "key")

	sent := h.lastForwarded(t)
	require.False(t, sent.Encrypted())
	require.Equal(t, "in the clear", sent.Content)
	require.Equal(t, 0, countSends(h))
	require.Equal(t, 0, keys.CacheSizes()[keystore.CategoryDEK])
}

func TestDialogSendWithoutNicknameIsPlaintext(t *testing.T) {
	testlog.Start(t)
	h := newHub(t)
	h.addMember(t, "bob")
	o, _ := newOrchestrator(t, h, "")

	res, err := o.DialogSend(ctxFor(t), "bob", Outgoing{ChatID: uuid.New(), Content: "hi"})
	require.NoError(t, err)
	require.Nil(t, res.KeyID)
	require.Equal(t, 0, h.Count(msg.TypeDEKRequest))
}

func TestCachedEncryptorSkipsKeyOf(t *testing.T) {
	testlog.Start(t)
	h := newHub(t)
	bobKey := h.addMember(t, "bob")
	o, keys := newOrchestrator(t, h, "alice")
	ctx := ctxFor(t)
	require.NoError(t, keys.SaveEncryptor(ctx, identity.NewMember("bob", h1), bobKey))

	_, err := o.EnsureDEK(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, h.Count(msg.TypeDEKRequest))
	require.Equal(t, 1, countSends(h))
}

func TestDecryptRefetchesDEKs(t *testing.T) {
	testlog.Start(t)
	h := newHub(t)
	bobKey := h.addMember(t, "bob")
	alice, _ := newOrchestrator(t, h, "alice")
	ctx := ctxFor(t)

	_, err := alice.DialogSend(ctx, "bob", Outgoing{ChatID: uuid.New(), Content: "secret"})
	require.NoError(t, err)
	sent := h.lastForwarded(t)

	bob, bobKeys := newOrchestrator(t, h, "bob")
	require.NoError(t, bobKeys.SavePersonalKey(ctx, identity.NewMember("bob", h1), bobKey))

	lists := h.Count(msg.TypeDEKRequest)
	pt, err := bob.Decrypt(ctx, sent, "alice")
	require.NoError(t, err)
	require.Equal(t, "secret", pt)
	require.Equal(t, lists+1, h.Count(msg.TypeDEKRequest))

	pt, err = bob.Decrypt(ctx, sent, "alice")
	require.NoError(t, err)
	require.Equal(t, "secret", pt)
	require.Equal(t, lists+1, h.Count(msg.TypeDEKRequest))

	_, err = bobKeys.LoadDEK(ctx, identity.NewMember("alice", h1), identity.NewMember("bob", h1))
	require.NoError(t, err)

	unknown := uuid.New()
	sent.KeyID = &unknown
	_, err = bob.Decrypt(ctx, sent, "alice")
	require.True(t, keystore.IsNotFound(err))

	plain, err := bob.Decrypt(ctx, msg.ChatMessageInput{Content: "open"}, "")
	require.NoError(t, err)
	require.Equal(t, "open", plain)
}

func TestRegisterKeepsPersonalKeyForLoginHistory(t *testing.T) {
	testlog.Start(t)
	h := newHub(t)
	o, keys := newOrchestrator(t, h, "")
	ctx := ctxFor(t)

	res, err := o.Register(ctx, "carol", "pw", "phone")
	require.NoError(t, err)
	require.Equal(t, "carol", o.Nickname())

	personal, err := keys.LoadPersonalKey(ctx, identity.NewMember("carol", h1))
	require.NoError(t, err)
	require.Equal(t, res.KeyID, personal.ID)

	reg := crypto.DefaultRegistry()
	ip, err := reg.EncryptString(personal.Key.PublicOnly(), "10.0.0.1")
	require.NoError(t, err)
	device, err := reg.EncryptString(personal.Key.PublicOnly(), "phone")
	require.NoError(t, err)
	when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rec, err := o.DecryptLogin(ctx, msg.LoginEntry{Time: when, IP: ip, Device: device, EncryptorID: res.KeyID})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", rec.IP)
	require.Equal(t, "phone", rec.Device)
	require.Equal(t, "2026-01-02T03:04:05Z", rec.Map()["time"])

	_, err = o.DecryptLogin(ctx, msg.LoginEntry{EncryptorID: uuid.New()})
	require.True(t, keystore.IsNotFound(err))
}

func TestSendReusesNamedForwardChain(t *testing.T) {
	testlog.Start(t)
	h := newHub(t)
	o, _ := newOrchestrator(t, h, "alice")
	ctx := ctxFor(t)

	for i := 0; i < 3; i++ {
		id, err := o.Send(ctx, Outgoing{ChatID: uuid.New(), Content: "x"})
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, id)
	}
	require.Equal(t, 1, o.reg.Len())
	_, ok := o.reg.Get("fwd_req")
	require.True(t, ok)

	res, err := o.GroupSend(ctx, Outgoing{ChatID: uuid.New(), Content: "all"})
	require.NoError(t, err)
	require.Nil(t, res.KeyID)
	require.Equal(t, "all", h.lastForwarded(t).Content)
	require.Equal(t, 1, o.reg.Len())
}

func TestSendAfterTimeoutIgnoresLateReply(t *testing.T) {
	testlog.Start(t)
	h := newHub(t)
	o, _ := newOrchestrator(t, h, "alice")

	var (
		mu   sync.Mutex
		held []frame.Frame
		ids  []uuid.UUID
	)
	h.Handle(msg.TypeForwardRequest, func(req frame.Frame) []frame.Frame {
		id := uuid.New()
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, id)
		if len(ids) == 1 {
			held = fakenode.Reply(req, msg.TypeHappy, msg.IDPayload{ID: id})
			return nil
		}
		return fakenode.Reply(req, msg.TypeHappy, msg.IDPayload{ID: id})
	})

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := o.Send(short, Outgoing{ChatID: uuid.New(), Content: "slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, o.reg.Len())

	mu.Lock()
	late := held
	mu.Unlock()
	require.Len(t, late, 1)
	h.Push(late[0])

	got, err := o.Send(ctxFor(t), Outgoing{ChatID: uuid.New(), Content: "next"})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 2)
	require.Equal(t, ids[1], got)
	require.NotEqual(t, ids[0], got)
	require.Equal(t, 1, o.reg.Len())
}

func TestConcurrentDialogSendsToFreshPeer(t *testing.T) {
	testlog.Start(t)
	h := newHub(t)
	h.addMember(t, "bob")
	o, _ := newOrchestrator(t, h, "alice")
	ctx := ctxFor(t)

	const senders = 8
	var wg sync.WaitGroup
	results := make([]SendResult, senders)
	errs := make([]error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.DialogSend(ctx, "bob", Outgoing{ChatID: uuid.New(), Content: "hi"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < senders; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].KeyID)
	}
	require.GreaterOrEqual(t, countSends(h), 1)
	require.Equal(t, 0, o.reg.Len())
}
