// Package browserpool tracks exclusive ownership of a fixed set of remote
// debugging browser endpoints shared by agents across concurrent tasks.
package browserpool

import (
	"log"
	"sort"
	"sync"
)

// Endpoint is one candidate remote-browser instance, identified by its
// debugging port. External endpoints live outside the process's own browser
// fleet and are surfaced to the caller unchanged.
type Endpoint struct {
	Port     int  `json:"port"`
	External bool `json:"is_external"`
}

type owner struct {
	sessionID string
	taskID    string
}

// Manager linearizes acquire/release per slot under one mutex. A port is
// never owned by two sessions at once.
type Manager struct {
	mu       sync.Mutex
	occupied map[int]owner
}

func NewManager() *Manager {
	return &Manager{occupied: make(map[int]owner)}
}

// Acquire scans candidates in order and claims the first free port for
// sessionID, marking ownership in the same critical section as the check.
// Returns nil when every candidate is occupied; exhaustion is not an error,
// the caller picks a fallback.
func (m *Manager) Acquire(candidates []Endpoint, sessionID, taskID string) *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candidates {
		if _, taken := m.occupied[c.Port]; taken {
			continue
		}
		m.occupied[c.Port] = owner{sessionID: sessionID, taskID: taskID}
		ep := c
		return &ep
	}
	return nil
}

// Release frees port only when sessionID matches the recorded owner. A
// mismatch is a benign race between concurrent cleanup paths: logged, not
// fatal, nothing changes.
func (m *Manager) Release(port int, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	own, ok := m.occupied[port]
	if !ok {
		return
	}
	if own.sessionID != sessionID {
		log.Printf("browserpool: release of port %d by session %s ignored, owned by session %s", port, sessionID, own.sessionID)
		return
	}
	delete(m.occupied, port)
}

// ReleaseByTask sweeps every slot owned by any session tagged with taskID and
// returns the freed ports in ascending order. Used when a task with many
// cloned agents terminates.
func (m *Manager) ReleaseByTask(taskID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var freed []int
	for port, own := range m.occupied {
		if own.taskID == taskID {
			delete(m.occupied, port)
			freed = append(freed, port)
		}
	}
	sort.Ints(freed)
	return freed
}

// OccupiedPorts is a read-only diagnostic snapshot, sorted.
func (m *Manager) OccupiedPorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.occupied))
	for port := range m.occupied {
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}

// OccupiedCount reports how many slots are held, for gauges.
func (m *Manager) OccupiedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.occupied)
}
