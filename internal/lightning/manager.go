package lightning

import (
	"sync"

	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/relaypool"
)

// Manager hands out one Backend per wallet id so experts sharing a wallet
// share its NWC session. A changed connect string replaces the backend.
type Manager struct {
	pool *relaypool.Pool
	log  *zap.Logger

	mu       sync.Mutex
	backends map[int64]*managed
}

type managed struct {
	nwc     string
	backend Backend
}

// NewManager makes an empty manager over the shared relay pool.
func NewManager(pool *relaypool.Pool, log *zap.Logger) *Manager {
	return &Manager{pool: pool, log: log, backends: make(map[int64]*managed)}
}

// Backend returns the backend for walletID, building it on first use.
func (m *Manager) Backend(walletID int64, nwc string) (Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.backends[walletID]; e != nil {
		if e.nwc == nwc {
			return e.backend, nil
		}
		e.backend.Close()
		delete(m.backends, walletID)
	}
	b, err := NewNWCClient(m.pool, nwc, m.log.With(zap.Int64("wallet", walletID)))
	if err != nil {
		return nil, err
	}
	m.backends[walletID] = &managed{nwc: nwc, backend: b}
	return b, nil
}

// Close releases every backend. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.backends {
		e.backend.Close()
		delete(m.backends, id)
	}
}
