package client

import (
	"encoding/base64"
	"time"

	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/google/uuid"
)

// Host-facing renderings. Keys follow the wire DTO names.

func ViewMap(v msg.ChatMessageView) map[string]any {
	return map[string]any{
		"id":         v.ID.String(),
		"created-at": formatTime(v.CreatedAt),
		"nickname":   v.Nickname,
		"message":    InputMap(v.Message),
	}
}

func InputMap(m msg.ChatMessageInput) map[string]any {
	out := map[string]any{
		"chat-id":    m.ChatID.String(),
		"content":    m.Content,
		"replied-to": uuidStrings(m.RepliedTo),
		"file-ids":   uuidStrings(m.FileIDs),
		"sent-at":    formatTime(m.SentAt),
	}
	if m.KeyID != nil {
		out["key-id"] = m.KeyID.String()
	}
	return out
}

func ChatMap(c msg.ChatInfo) map[string]any {
	out := map[string]any{
		"id":   c.ID.String(),
		"kind": c.Kind,
	}
	if c.Title != "" {
		out["title"] = c.Title
	}
	if c.OtherNickname != "" {
		out["other-nickname"] = c.OtherNickname
	}
	if c.LastMessage != nil {
		out["last-message"] = ViewMap(*c.LastMessage)
	}
	return out
}

func (v ChatView) Map() map[string]any {
	out := map[string]any{"chat": ChatMap(v.Chat)}
	if v.Decrypted != nil {
		out["decrypted-last-message"] = *v.Decrypted
	}
	return out
}

func PageMap(p msg.MessagesResponse) map[string]any {
	objects := make([]any, 0, len(p.Objects))
	for _, o := range p.Objects {
		objects = append(objects, ViewMap(o))
	}
	return map[string]any{"count": p.Count, "objects": objects}
}

func FileMap(f *msg.FileDTO) map[string]any {
	if f == nil {
		return nil
	}
	return map[string]any{
		"id":           f.ID.String(),
		"content-type": f.ContentType,
		"body":         base64.StdEncoding.EncodeToString(f.Body),
	}
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
