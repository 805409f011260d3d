package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/taulink/internal/config"
	"github.com/danmuck/taulink/internal/keystore"
	"github.com/danmuck/taulink/internal/link"
	"github.com/danmuck/taulink/internal/testutil/testlog"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("taulinkd %v: %v", args, err)
	}
	return out.String()
}

func TestLinkNewThenInspect(t *testing.T) {
	testlog.Start(t)
	out := run(t, "link", "new", "node.example:6000", "--nickname", "alice")
	raw := strings.SplitN(out, "\n", 2)[0]
	l, err := link.Parse(raw)
	if err != nil {
		t.Fatalf("parse generated link %q: %v", raw, err)
	}
	if l.Nickname != "alice" || l.ServerKey.Algorithm != "ECIES" || l.ServerKey.Private != "" {
		t.Fatalf("unexpected link: %+v", l)
	}
	if !strings.Contains(out, "private: ") {
		t.Fatalf("missing private half: %q", out)
	}

	var parts map[string]string
	if err := json.Unmarshal([]byte(run(t, "link", "inspect", raw)), &parts); err != nil {
		t.Fatalf("inspect output: %v", err)
	}
	if parts["endpoint"] != "node.example:6000" || parts["key"] != l.ServerKey.Public {
		t.Fatalf("unexpected inspect: %+v", parts)
	}
}

func TestConfigInitThenCheck(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "taulink.toml")
	run(t, "config", "init", path)
	out := run(t, "config", "check", path)
	if !strings.HasPrefix(out, "ok: keystore=memory network=tcp clients=0") {
		t.Fatalf("unexpected check output: %q", out)
	}
}

func TestOpenStoreBackends(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	s, closeStore, err := openStore(ctx, config.KeystoreConfig{Backend: config.BackendMemory}, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := s.(*keystore.MemoryStore); !ok {
		t.Fatalf("unexpected memory store %T", s)
	}
	_ = closeStore()

	s, closeStore, err = openStore(ctx, config.KeystoreConfig{Backend: config.BackendBolt, Path: filepath.Join(t.TempDir(), "keys.db")}, nil)
	if err != nil {
		t.Fatalf("bolt: %v", err)
	}
	if _, ok := s.(*keystore.BoltStore); !ok {
		t.Fatalf("unexpected bolt store %T", s)
	}
	if err := closeStore(); err != nil {
		t.Fatalf("bolt close: %v", err)
	}

	if _, _, err := openStore(ctx, config.KeystoreConfig{Backend: "etcd"}, nil); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}

func TestServeAnswersHostRequests(t *testing.T) {
	testlog.Start(t)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, config.DefaultConfig(), inR, outW)
	}()

	lines := bufio.NewScanner(outR)
	if _, err := io.WriteString(inW, `{"kind":"request","id":"1","method":"load-clients"}`+"\n"); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if !lines.Scan() {
		t.Fatalf("no response: %v", lines.Err())
	}
	var resp struct {
		Kind   string         `json:"kind"`
		ID     string         `json:"id"`
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(lines.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Kind != "response" || resp.ID != "1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if clients, ok := resp.Result["success"].([]any); !ok || len(clients) != 0 {
		t.Fatalf("unexpected result: %+v", resp.Result)
	}

	inW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not stop after stdin closed")
	}
}
