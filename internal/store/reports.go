package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertNode records a node heartbeat: the node is created in the grid
// if needed, marked connected and its attributes refreshed.
func (s *Store) UpsertNode(ctx context.Context, gridID uint, info messaging.NodeInfo) (*db.HostNode, error) {
	seen := info.Timestamp
	if seen.IsZero() {
		seen = time.Now()
	}
	var node db.HostNode
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("node_id = ?", info.NodeID).First(&node).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			node = db.HostNode{NodeID: info.NodeID, GridID: gridID}
			node.NodeNumber, err = nextNodeNumber(tx, gridID)
			if err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		node.GridID = gridID
		node.Name = info.Name
		node.Address = info.Address
		node.Labels = strings.Join(info.Labels, ",")
		node.CPUs = info.CPUs
		node.Memory = info.Memory
		node.Connected = true
		node.LastSeenAt = seen.UTC()
		return tx.Save(&node).Error
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// EnsureNode creates a disconnected placeholder for a node that is
// known (e.g. from the mesh) but has not reported yet. It returns true
// if a record was created.
func (s *Store) EnsureNode(ctx context.Context, gridID uint, nodeID string) (bool, error) {
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := nextNodeNumber(tx, gridID)
		if err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "node_id"}},
			DoNothing: true,
		}).Create(&db.HostNode{NodeID: nodeID, GridID: gridID, NodeNumber: n})
		created = res.RowsAffected > 0
		return res.Error
	})
	return created, err
}

func nextNodeNumber(tx *gorm.DB, gridID uint) (int, error) {
	var max int
	err := tx.Model(&db.HostNode{}).Where("grid_id = ?", gridID).Select("coalesce(max(node_number), 0)").Scan(&max).Error
	return max + 1, err
}

// NodeByNodeID returns the node with the given agent identity.
func (s *Store) NodeByNodeID(ctx context.Context, nodeID string) (*db.HostNode, error) {
	var node db.HostNode
	if err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).First(&node).Error; err != nil {
		return nil, notFound(err, "node", nodeID)
	}
	return &node, nil
}

// ApplyInstanceReport creates or updates the instance described by an
// agent report. Instances are keyed by (service, instance number): a
// report for an instance that moved nodes replaces the old record.
func (s *Store) ApplyInstanceReport(ctx context.Context, nodeID uint, info messaging.InstanceInfo) error {
	inst := db.ServiceInstance{
		GridServiceID:  info.ServiceID,
		InstanceNumber: info.InstanceNumber,
		Name:           info.Name,
		HostNodeID:     nodeID,
		ContainerID:    info.ContainerID,
		DeployRev:      info.DeployRev,
		Status:         info.Status,
		IPAddress:      info.IPAddress,
	}
	return s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "grid_service_id"}, {Name: "instance_number"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "host_node_id", "container_id", "deploy_rev", "status", "ip_address", "updated_at",
		}),
	}).Create(&inst).Error
}

// DeleteInstanceOnNode removes the named instance record if it is still
// recorded on the given node. Records that already moved elsewhere are
// kept.
func (s *Store) DeleteInstanceOnNode(ctx context.Context, nodeID uint, name string) (int64, error) {
	res := s.db.WithContext(ctx).Unscoped().
		Where("host_node_id = ? AND name = ?", nodeID, name).
		Delete(&db.ServiceInstance{})
	return res.RowsAffected, res.Error
}

// InstanceByNumber returns the record of a service's instance with the
// given number, or ErrNotFound.
func (s *Store) InstanceByNumber(ctx context.Context, serviceID uint, number int) (*db.ServiceInstance, error) {
	var inst db.ServiceInstance
	err := s.db.WithContext(ctx).
		Where("grid_service_id = ? AND instance_number = ?", serviceID, number).
		First(&inst).Error
	if err != nil {
		return nil, notFound(err, "instance", number)
	}
	return &inst, nil
}
