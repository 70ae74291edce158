package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const nodeColumns = `id, user_id, vm_size, vm_location, status, health_status,
	last_heartbeat_at, warm_since, last_metrics, provider_instance_id, ip_address,
	created_at, updated_at`

// CreateNode creates a new node row.
func (s *Store) CreateNode(ctx context.Context, node *Node) error {
	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if node.Status == "" {
		node.Status = NodeStatusPending
	}
	if node.HealthStatus == "" {
		node.HealthStatus = NodeHealthHealthy
	}
	now := time.Now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), node.ID, node.UserID, node.VMSize, node.VMLocation, node.Status, node.HealthStatus,
		node.LastHeartbeatAt, node.WarmSince, node.LastMetrics, node.ProviderInstanceID,
		node.IPAddress, node.CreatedAt, node.UpdatedAt)
	return err
}

// GetNode retrieves a node by ID.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	node := &Node{}
	err := s.ro.GetContext(ctx, node, s.ro.Rebind(`
		SELECT `+nodeColumns+` FROM nodes WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Metrics decodes the node's last reported metrics, or returns nil when absent.
func (n *Node) Metrics() *NodeMetrics {
	if n.LastMetrics == nil || *n.LastMetrics == "" {
		return nil
	}
	var m NodeMetrics
	if err := json.Unmarshal([]byte(*n.LastMetrics), &m); err != nil {
		return nil
	}
	return &m
}

// CountUserNodes returns the number of non-stopped nodes owned by a user.
func (s *Store) CountUserNodes(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.ro.GetContext(ctx, &count, s.ro.Rebind(`
		SELECT COUNT(*) FROM nodes WHERE user_id = ? AND status != ?
	`), userID, NodeStatusStopped)
	return count, err
}

// ListWarmNodes returns the user's running nodes that currently hold no live
// workspaces and are available for immediate claim.
func (s *Store) ListWarmNodes(ctx context.Context, userID string) ([]*Node, error) {
	nodes := []*Node{}
	err := s.ro.SelectContext(ctx, &nodes, s.ro.Rebind(`
		SELECT `+nodeColumns+` FROM nodes
		WHERE user_id = ? AND status = ? AND warm_since IS NOT NULL
		ORDER BY warm_since ASC
	`), userID, NodeStatusRunning)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// ListCandidateNodes returns the user's running, non-unhealthy nodes for
// capacity-based placement.
func (s *Store) ListCandidateNodes(ctx context.Context, userID string) ([]*Node, error) {
	nodes := []*Node{}
	err := s.ro.SelectContext(ctx, &nodes, s.ro.Rebind(`
		SELECT `+nodeColumns+` FROM nodes
		WHERE user_id = ? AND status = ? AND health_status != ?
		ORDER BY created_at ASC
	`), userID, NodeStatusRunning, NodeHealthUnhealthy)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// ClaimWarmNode atomically clears warm_since on a running warm node.
// Returns false when the node was not claimable (already claimed, stopped,
// or never warm).
func (s *Store) ClaimWarmNode(ctx context.Context, nodeID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE nodes SET warm_since = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND warm_since IS NOT NULL
	`), time.Now().UTC(), nodeID, NodeStatusRunning)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// MarkNodeWarm stamps warm_since on a node. Callers must first verify the
// node holds no live workspaces; the node lifecycle manager serializes this.
func (s *Store) MarkNodeWarm(ctx context.Context, nodeID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE nodes SET warm_since = ?, updated_at = ? WHERE id = ?
	`), now, now, nodeID)
	return err
}

// ClearNodeWarm removes the warm marker, used by Release rollback.
func (s *Store) ClearNodeWarm(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE nodes SET warm_since = NULL, updated_at = ? WHERE id = ?
	`), time.Now().UTC(), nodeID)
	return err
}

// UpdateNodeStatus sets the node lifecycle status.
func (s *Store) UpdateNodeStatus(ctx context.Context, nodeID, status string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), nodeID)
	return err
}

// UpdateNodeProvisioned records the provider instance details after creation.
func (s *Store) UpdateNodeProvisioned(ctx context.Context, nodeID, providerInstanceID, ipAddress, status string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE nodes SET provider_instance_id = ?, ip_address = ?, status = ?, updated_at = ?
		WHERE id = ?
	`), providerInstanceID, ipAddress, status, time.Now().UTC(), nodeID)
	return err
}

// UpdateNodeHeartbeat records a heartbeat and the latest metrics sample.
func (s *Store) UpdateNodeHeartbeat(ctx context.Context, nodeID string, metrics *NodeMetrics) error {
	now := time.Now().UTC()
	var metricsJSON *string
	if metrics != nil {
		data, err := json.Marshal(metrics)
		if err != nil {
			return fmt.Errorf("invalid metrics: %w", err)
		}
		str := string(data)
		metricsJSON = &str
	}
	if metricsJSON != nil {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE nodes SET last_heartbeat_at = ?, last_metrics = ?, updated_at = ? WHERE id = ?
		`), now, metricsJSON, now, nodeID)
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE nodes SET last_heartbeat_at = ?, updated_at = ? WHERE id = ?
	`), now, now, nodeID)
	return err
}

// CountLiveWorkspacesOnNode counts workspaces on a node in creating, running,
// or recovery state, optionally restricted to a user.
func (s *Store) CountLiveWorkspacesOnNode(ctx context.Context, nodeID string, userID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM workspaces
		WHERE node_id = ? AND status IN (?, ?, ?)`
	args := []interface{}{nodeID, WorkspaceStatusRunning, WorkspaceStatusCreating, WorkspaceStatusRecovery}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	var count int
	err := s.ro.GetContext(ctx, &count, s.ro.Rebind(query), args...)
	return count, err
}

// ListOrphanedNodes returns running nodes that are not warm yet hold no live
// workspaces. These are left behind when a task fails outside the
// orchestrator's own cleanup path.
func (s *Store) ListOrphanedNodes(ctx context.Context, staleBefore time.Time) ([]*Node, error) {
	nodes := []*Node{}
	err := s.ro.SelectContext(ctx, &nodes, s.ro.Rebind(`
		SELECT `+nodeColumns+` FROM nodes n
		WHERE n.status = ? AND n.warm_since IS NULL AND n.updated_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM workspaces w
			WHERE w.node_id = n.id AND w.status IN (?, ?, ?)
		)
		ORDER BY n.updated_at ASC
	`), NodeStatusRunning, staleBefore,
		WorkspaceStatusRunning, WorkspaceStatusCreating, WorkspaceStatusRecovery)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}
