package keystore

import (
	"context"
	"fmt"
)

// HostCaller is the embedding host. Notify is fire-and-forget; Call waits
// for one reply.
type HostCaller interface {
	Notify(event string, payload map[string]any)
	Call(ctx context.Context, method string, payload map[string]any) (map[string]any, error)
}

// HostStore keeps key material on the host side of the bridge.
type HostStore struct {
	host HostCaller
}

var _ Store = (*HostStore)(nil)

func NewHostStore(host HostCaller) *HostStore {
	return &HostStore{host: host}
}

var (
	hostSaveEvents = map[Category]string{
		CategoryServerKey:   "save-key",
		CategoryPersonalKey: "save-personal-key",
		CategoryEncryptor:   "save-encryptor",
		CategoryDEK:         "save-dek",
	}
	hostLoadMethods = map[Category]string{
		CategoryServerKey:       "get-public",
		CategoryPersonalKey:     "load-personal-key",
		CategoryPersonalKeyByID: "load-personal-key",
		CategoryEncryptor:       "load-encryptor",
		CategoryDEK:             "load-dek",
		CategoryDEKByID:         "load-dek-by-id",
	}
)

// Save notifies the host. The host indexes by-id records itself, so the
// by-id categories are not sent twice.
func (s *HostStore) Save(_ context.Context, category Category, id Identity, rec Record) error {
	switch category {
	case CategoryPersonalKeyByID, CategoryDEKByID:
		return nil
	}
	event, ok := hostSaveEvents[category]
	if !ok {
		return fmt.Errorf("keystore: no host event for %s", category)
	}
	payload := id.Fields()
	for k, v := range rec.toMap() {
		payload[k] = v
	}
	s.host.Notify(event, payload)
	return nil
}

func (s *HostStore) Load(ctx context.Context, category Category, id Identity) (Record, error) {
	method, ok := hostLoadMethods[category]
	if !ok {
		return Record{}, fmt.Errorf("keystore: no host method for %s", category)
	}
	res, err := s.host.Call(ctx, method, id.Fields())
	if err != nil {
		return Record{}, err
	}
	if len(res) == 0 {
		return Record{}, ErrNotFound
	}
	return recordFromMap(res), nil
}
