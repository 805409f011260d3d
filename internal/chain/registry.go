package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/taulink/internal/observability"
	"github.com/danmuck/taulink/internal/protocol/frame"
	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/rs/zerolog/log"
)

// ServerIDBit marks chain ids allocated by the server. Local ids never set it.
const ServerIDBit uint64 = 1 << 63

// recentlyClosedCap bounds the memory of removed server-space ids.
const recentlyClosedCap = 4096

func IsServerID(id uint64) bool {
	return id&ServerIDBit != 0
}

// Receiver consumes a server-initiated chain. Run returns when the exchange
// is over; the registry removes the chain afterwards.
type Receiver interface {
	Linked
	Run(ctx context.Context)
}

// Factory builds a Receiver around a chain the registry already opened.
type Factory func(c *Chain) Receiver

type Option func(*Registry)

// WithFactory binds a pushed message type to a receiver factory.
func WithFactory(t msg.Type, f Factory) Option {
	return func(r *Registry) {
		r.factories[t] = f
	}
}

// WithUnhandled replaces the receiver used for unroutable frames.
func WithUnhandled(f Factory) Option {
	return func(r *Registry) {
		r.unhandled = f
	}
}

// Registry maps chain ids and names to live chains for one connection.
type Registry struct {
	mu        sync.RWMutex
	sender    Sender
	byID      map[uint64]Linked
	byName    map[string]Linked
	factories map[msg.Type]Factory
	unhandled Factory
	nextLocal uint64
	closed    bool

	recentServer     map[uint64]struct{}
	recentServerRing []uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(sender Sender, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sender:       sender,
		byID:         make(map[uint64]Linked),
		byName:       make(map[string]Linked),
		factories:    make(map[msg.Type]Factory),
		nextLocal:    1,
		recentServer: make(map[uint64]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	r.unhandled = func(c *Chain) Receiver { return NewUnhandled(c, nil) }
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle binds t to f after construction.
func (r *Registry) Handle(t msg.Type, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// Link registers l under its preset id, or a fresh local id when it has none.
func (r *Registry) Link(l Linked) error {
	c := l.Base()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		return r.registrationError(c, "already linked")
	case stateClosed:
		return r.registrationError(c, "chain closed")
	}

	id := c.id
	if id == 0 {
		id = r.nextLocal
		r.nextLocal++
	} else if !IsServerID(id) && id >= r.nextLocal {
		r.nextLocal = id + 1
	}
	if _, exists := r.byID[id]; exists {
		return r.registrationError(&Chain{id: id, name: c.name}, "id collision")
	}
	if c.name != "" {
		if _, exists := r.byName[c.name]; exists {
			return r.registrationError(&Chain{id: id, name: c.name}, "name collision")
		}
	}

	c.id = id
	c.sender = r.sender
	c.state = stateOpen
	r.byID[id] = l
	if c.name != "" {
		r.byName[c.name] = l
	}
	observability.ChainLinked()
	log.Debug().Uint64("chain_id", id).Str("name", c.name).Msg("chain.Registry.Link")
	return nil
}

// Remove unregisters and closes l. Removing twice is a no-op.
func (r *Registry) Remove(l Linked) {
	c := l.Base()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(c)
}

func (r *Registry) removeLocked(c *Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return
	}
	wasOpen := c.state == stateOpen
	c.state = stateClosed
	c.queue.Close()

	if cur, ok := r.byID[c.id]; ok && cur.Base() == c {
		delete(r.byID, c.id)
	}
	if c.name != "" {
		if cur, ok := r.byName[c.name]; ok && cur.Base() == c {
			delete(r.byName, c.name)
		}
	}
	if IsServerID(c.id) {
		r.rememberServerID(c.id)
	}
	if wasOpen {
		observability.ChainRemoved()
		log.Debug().Uint64("chain_id", c.id).Str("name", c.name).Msg("chain.Registry.Remove")
	}
}

// SetName names l so Get can find it. Call before Link or while open.
func (r *Registry) SetName(l Linked, name string) error {
	c := l.Base()
	r.mu.Lock()
	defer r.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosed {
		return r.registrationError(c, "chain closed")
	}
	if cur, exists := r.byName[name]; exists && cur.Base() != c {
		return r.registrationError(&Chain{id: c.id, name: name}, "name collision")
	}
	if c.state == stateOpen {
		if c.name != "" {
			delete(r.byName, c.name)
		}
		r.byName[name] = l
	}
	c.name = name
	return nil
}

// Get returns the open chain registered as name.
func (r *Registry) Get(name string) (Linked, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byName[name]
	return l, ok
}

// GetAs is Get with a type assertion to the concrete chain.
func GetAs[T Linked](r *Registry, name string) (T, bool) {
	var zero T
	l, ok := r.Get(name)
	if !ok {
		return zero, false
	}
	t, ok := l.(T)
	return t, ok
}

// Dispatch routes one inbound frame. It never blocks.
func (r *Registry) Dispatch(f frame.Frame) {
	id := f.ChainID()

	r.mu.RLock()
	if l, ok := r.byID[id]; ok {
		delivered := l.Base().queue.Push(f)
		r.mu.RUnlock()
		if delivered {
			observability.RecordDispatch(observability.DispatchDelivered)
		} else {
			r.dropClosed(f)
		}
		return
	}
	r.mu.RUnlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.dropClosed(f)
		return
	}
	if l, ok := r.byID[id]; ok {
		l.Base().queue.Push(f)
		r.mu.Unlock()
		observability.RecordDispatch(observability.DispatchDelivered)
		return
	}
	if r.wasClosedLocked(id) {
		r.mu.Unlock()
		r.dropClosed(f)
		return
	}

	t := msg.TypeOf(f)
	factory, handled := r.factories[t]
	if !handled || !IsServerID(id) {
		factory = r.unhandled
	}
	if !IsServerID(id) && id >= r.nextLocal {
		r.nextLocal = id + 1
	}
	c := WithID(id)
	c.sender = r.sender
	c.state = stateOpen
	rcv := factory(c)
	r.byID[id] = rcv
	c.queue.Push(f)
	r.wg.Add(1)
	r.mu.Unlock()

	observability.ChainLinked()
	if handled && IsServerID(id) {
		observability.RecordDispatch(observability.DispatchCreated)
		log.Debug().Uint64("chain_id", id).Str("msg_type", t.String()).Msg("chain.Registry.Dispatch receiver created")
	} else {
		observability.RecordDispatch(observability.DispatchUnhandled)
		log.Error().Uint64("chain_id", id).Str("msg_type", t.String()).Msg("chain.Registry.Dispatch unhandled message type")
	}
	go r.run(rcv)
}

func (r *Registry) run(rcv Receiver) {
	defer r.wg.Done()
	defer r.Remove(rcv)
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Uint64("chain_id", rcv.Base().ID()).
				Str("panic", fmt.Sprint(p)).
				Msg("chain.Registry.run receiver panic")
		}
	}()
	rcv.Run(r.ctx)
}

// wasClosedLocked reports whether id belonged to a chain that is gone.
// Local ids below nextLocal were handed out; server ids are remembered.
func (r *Registry) wasClosedLocked(id uint64) bool {
	if IsServerID(id) {
		_, ok := r.recentServer[id]
		return ok
	}
	return id != 0 && id < r.nextLocal
}

func (r *Registry) rememberServerID(id uint64) {
	if _, ok := r.recentServer[id]; ok {
		return
	}
	if len(r.recentServerRing) >= recentlyClosedCap {
		oldest := r.recentServerRing[0]
		r.recentServerRing = r.recentServerRing[1:]
		delete(r.recentServer, oldest)
	}
	r.recentServer[id] = struct{}{}
	r.recentServerRing = append(r.recentServerRing, id)
}

func (r *Registry) dropClosed(f frame.Frame) {
	observability.RecordDispatch(observability.DispatchClosed)
	log.Warn().
		Uint64("chain_id", f.ChainID()).
		Str("msg_type", msg.TypeOf(f).String()).
		Msg("chain.Registry.Dispatch dropped frame for closed chain")
}

func (r *Registry) registrationError(c *Chain, reason string) error {
	err := &RegistrationError{ChainID: c.id, Name: c.name, Reason: reason}
	log.Error().Err(err).Msg("chain.Registry registration failed")
	return err
}

// Len is the number of open chains.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// IDs lists open chain ids in ascending order.
func (r *Registry) IDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint64, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close removes every chain and waits for receivers to return.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, l := range r.byID {
		r.removeLocked(l.Base())
	}
	for _, l := range r.byName {
		r.removeLocked(l.Base())
	}
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
