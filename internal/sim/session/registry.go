// Package session binds live connections to player identities.
package session

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrUnbound       = errors.New("connection has not joined a world")
	ErrAlreadyJoined = errors.New("connection already joined or joining")
)

type ConnID = string

type State int

const (
	Disconnected State = iota
	Joining
	Joined
)

func (s State) String() string {
	switch s {
	case Joining:
		return "JOINING"
	case Joined:
		return "JOINED"
	default:
		return "DISCONNECTED"
	}
}

// Binding is what a joined connection resolves to. It refers to the player
// by (username, world) only.
type Binding struct {
	Username string
	World    string
}

type Member struct {
	Username string
	Conn     ConnID
}

type entry struct {
	state   State
	binding Binding
}

type Registry struct {
	mu sync.Mutex

	conns   map[ConnID]*entry
	byWorld map[string]map[string]ConnID
}

func NewRegistry() *Registry {
	return &Registry{
		conns:   map[ConnID]*entry{},
		byWorld: map[string]map[string]ConnID{},
	}
}

// Begin moves a connection from Disconnected to Joining.
func (r *Registry) Begin(conn ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn]; ok {
		return ErrAlreadyJoined
	}
	r.conns[conn] = &entry{state: Joining}
	return nil
}

// Abort returns a Joining connection to Disconnected. Joined connections are left alone.
func (r *Registry) Abort(conn ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[conn]; ok && e.state == Joining {
		delete(r.conns, conn)
	}
}

// Bind completes a join started with Begin. The player must already be in
// the world store. ErrUnbound means the connection went away mid-join.
func (r *Registry) Bind(conn ConnID, username, world string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	if !ok {
		return ErrUnbound
	}
	if e.state == Joined {
		return ErrAlreadyJoined
	}
	e.state = Joined
	e.binding = Binding{Username: username, World: world}

	members := r.byWorld[world]
	if members == nil {
		members = map[string]ConnID{}
		r.byWorld[world] = members
	}
	members[username] = conn
	return nil
}

func (r *Registry) Resolve(conn ConnID) (Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	if !ok || e.state != Joined {
		return Binding{}, ErrUnbound
	}
	return e.binding, nil
}

func (r *Registry) State(conn ConnID) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[conn]; ok {
		return e.state
	}
	return Disconnected
}

// Unbind clears the connection. Only the call that actually removed a joined
// binding gets ok=true, so repeated teardown is harmless.
func (r *Registry) Unbind(conn ConnID) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	if !ok {
		return Binding{}, false
	}
	delete(r.conns, conn)
	if e.state != Joined {
		return Binding{}, false
	}
	if members := r.byWorld[e.binding.World]; members != nil {
		if members[e.binding.Username] == conn {
			delete(members, e.binding.Username)
		}
		if len(members) == 0 {
			delete(r.byWorld, e.binding.World)
		}
	}
	return e.binding, true
}

// Members lists the joined connections of a world, sorted by username.
func (r *Registry) Members(world string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.byWorld[world]
	out := make([]Member, 0, len(members))
	for username, conn := range members {
		out = append(out, Member{Username: username, Conn: conn})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.conns {
		if e.state == Joined {
			n++
		}
	}
	return n
}

func (r *Registry) WorldCount(world string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byWorld[world])
}
