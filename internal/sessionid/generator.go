package sessionid

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// randomID returns 32 hex characters: a random UUID with the caller's seed
// folded into its second half.
func randomID(seed int64) string {
	u := uuid.New()
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], uint64(seed))
	for i := range s {
		u[8+i] ^= s[i]
	}
	return hex.EncodeToString(u[:])
}

// NewSessionID returns an id that is not in use in the backend. In strict
// mode a backend failure aborts the allocation.
func (m *Manager) NewSessionID(ctx context.Context, seed int64) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := m.generate(seed)
		inUse, err := m.IDInUse(ctx, id)
		if err != nil {
			return "", fmt.Errorf("sessionid: allocate: %w", err)
		}
		if !inUse {
			return id, nil
		}
		m.logger.Debug("generated id already in use", "session_id", id)
	}
	return "", ErrIDExhausted
}

// NodeID returns the node-qualified form of a cluster id.
func (m *Manager) NodeID(clusterID string) string {
	if m.cfg.WorkerName == "" {
		return clusterID
	}
	return clusterID + "." + m.cfg.WorkerName
}

// ClusterID strips this worker's suffix from a node id. Ids without that
// suffix are returned unchanged, since worker names may contain dots.
func (m *Manager) ClusterID(nodeID string) string {
	if m.cfg.WorkerName == "" {
		return nodeID
	}
	id, _ := strings.CutSuffix(nodeID, "."+m.cfg.WorkerName)
	return id
}
