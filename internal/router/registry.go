// Package router implements the rendezvous side of aspia: peer
// acceptance, authentication against the directory, the live host
// registry, and the byte relay between introduced peers.
package router

import (
	"sync"

	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/peer"
	"github.com/jurafish/aspia/internal/proto"
)

// PeerConn is the channel surface the broker needs from an accepted
// peer. Satisfied by [peer.Channel]; tests substitute fakes.
type PeerConn interface {
	Send(m proto.Message) error
	Read() (proto.Message, error)
	Close()
	KeyDigest() []byte
	Role() peer.Role
	RemoteAddr() string
}

type hostEntry struct {
	conn        PeerConn
	sessionName string
}

// Registry is the in-memory map of currently registered hosts. An
// entry is present exactly while its peer channel is live: eviction
// happens before any later lookup can observe the dead channel.
type Registry struct {
	mu    sync.RWMutex
	hosts map[domain.HostID]*hostEntry
}

// NewRegistry returns an empty live-host registry.
func NewRegistry() *Registry {
	return &Registry{hosts: make(map[domain.HostID]*hostEntry)}
}

// Register records a live channel under a host id. Re-registration
// replaces the previous channel.
func (r *Registry) Register(id domain.HostID, sessionName string, conn PeerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[id] = &hostEntry{conn: conn, sessionName: sessionName}
}

// Lookup resolves a host id to its live channel.
func (r *Registry) Lookup(id domain.HostID) (PeerConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.hosts[id]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// EvictConn removes every registration carried by the given channel
// and returns the evicted ids. The persistent directory rows remain.
func (r *Registry) EvictConn(conn PeerConn) []domain.HostID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []domain.HostID
	for id, entry := range r.hosts {
		if entry.conn == conn {
			delete(r.hosts, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Count reports the number of live registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}
