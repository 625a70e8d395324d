package router

import (
	"sync"

	"github.com/jurafish/aspia/internal/domain"
)

// relayMap tracks established rendezvous by token with counts per
// participant. Forwarding is lock-free once the relay is resolved;
// only membership changes take the lock.
type relayMap struct {
	mu    *sync.Mutex
	byTok map[string]*relay
}

func newRelayMap() relayMap {
	return relayMap{
		mu:    &sync.Mutex{},
		byTok: map[string]*relay{},
	}
}

func (m relayMap) add(r *relay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTok[r.token] = r
}

func (m relayMap) get(token string) *relay {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byTok[token]
}

func (m relayMap) remove(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byTok, token)
}

// removeByConn drops every relay the connection participates in and
// returns them so the caller can notify the counterparts.
func (m relayMap) removeByConn(conn PeerConn) []*relay {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*relay
	for token, r := range m.byTok {
		if r.host == conn || r.client == conn {
			delete(m.byTok, token)
			out = append(out, r)
		}
	}
	return out
}

func (m relayMap) countByConn(conn PeerConn) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.byTok {
		if r.client == conn {
			n++
		}
	}
	return n
}

func (m relayMap) countByHost(id domain.HostID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.byTok {
		if r.hostID == id {
			n++
		}
	}
	return n
}
