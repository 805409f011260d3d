package host

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/chains"
	"github.com/danmuck/taulink/internal/client"
	"github.com/danmuck/taulink/internal/crypto"
	"github.com/danmuck/taulink/internal/protocol/msg"
)

var ErrUnknownChainMethod = errors.New("host: chain method not allowed")

// chainCall runs one allow-listed chain method on a transient chain.
type chainCall func(ctx context.Context, reg *chain.Registry, args params) (any, error)

var chainCalls = map[string]chainCall{
	"DEKChain.GetKeyOf": func(ctx context.Context, reg *chain.Registry, args params) (any, error) {
		nickname, err := args.str("nickname")
		if err != nil {
			return nil, err
		}
		entry, err := chain.UseValue(reg, chains.NewDEK(), func(c *chains.DEK) (crypto.KeyEntry, error) {
			return c.GetKeyOf(ctx, nickname)
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"key-id":     entry.ID.String(),
			"encryption": entry.Key.Algorithm,
			"public":     entry.Key.Public,
		}, nil
	},
	"DEKChain.List": func(ctx context.Context, reg *chain.Registry, _ params) (any, error) {
		keys, err := chain.UseValue(reg, chains.NewDEK(), func(c *chains.DEK) ([]msg.DEKEntry, error) {
			return c.List(ctx)
		})
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, map[string]any{"id": k.ID.String(), "sender": k.Sender})
		}
		return out, nil
	},
	"WhoAmIChain.Nickname": func(ctx context.Context, reg *chain.Registry, _ params) (any, error) {
		return chain.UseValue(reg, chains.NewWhoAmI(), func(c *chains.WhoAmI) (string, error) {
			return c.Nickname(ctx)
		})
	},
	"ChatChain.ByMember": func(ctx context.Context, reg *chain.Registry, _ params) (any, error) {
		infos, err := chain.UseValue(reg, chains.NewChats(), func(c *chains.Chats) ([]msg.ChatInfo, error) {
			return c.ByMember(ctx)
		})
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(infos))
		for _, info := range infos {
			out = append(out, client.ChatMap(info))
		}
		return out, nil
	},
	"MessageChain.Page": func(ctx context.Context, reg *chain.Registry, args params) (any, error) {
		chatID, err := args.id("chat-id")
		if err != nil {
			return nil, err
		}
		page, err := chain.UseValue(reg, chains.NewMessages(), func(c *chains.Messages) (msg.MessagesResponse, error) {
			return c.Page(ctx, chatID, args.int("index", 0), args.int("size", 50))
		})
		if err != nil {
			return nil, err
		}
		return client.PageMap(page), nil
	},
}

// ChainMethods lists the allow-listed chain methods.
func ChainMethods() []string {
	out := make([]string, 0, len(chainCalls))
	for name := range chainCalls {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// chain invokes {"chain": "DEKChain", "method": "GetKeyOf", "args": {...}}.
func (m *Methods) chain(ctx context.Context, p params) (any, error) {
	s, err := m.session(p)
	if err != nil {
		return nil, err
	}
	chainName, err := p.str("chain")
	if err != nil {
		return nil, err
	}
	methodName, err := p.str("method")
	if err != nil {
		return nil, err
	}
	call, ok := chainCalls[chainName+"."+methodName]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownChainMethod, chainName, methodName)
	}
	return call(ctx, s.Registry(), p.object("args"))
}
