// Package store is the GORM-backed state store shared by the deployer,
// the agent report handler and the HTTP API.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates that a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned by TransitionState when the service
	// is not in an allowed source state.
	ErrStateConflict = errors.New("state conflict")
)

// Store reads and writes cluster state.
type Store struct {
	db *gorm.DB
}

// New returns a Store using gdb.
func New(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error, what string, key any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %v: %w", what, key, ErrNotFound)
	}
	return err
}

// CreateGrid inserts a new grid.
func (s *Store) CreateGrid(ctx context.Context, grid *db.Grid) error {
	return s.db.WithContext(ctx).Create(grid).Error
}

// Grid returns the grid with the given id.
func (s *Store) Grid(ctx context.Context, id uint) (*db.Grid, error) {
	var grid db.Grid
	if err := s.db.WithContext(ctx).First(&grid, id).Error; err != nil {
		return nil, notFound(err, "grid", id)
	}
	return &grid, nil
}

// GridByName returns the grid with the given name.
func (s *Store) GridByName(ctx context.Context, name string) (*db.Grid, error) {
	var grid db.Grid
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&grid).Error; err != nil {
		return nil, notFound(err, "grid", name)
	}
	return &grid, nil
}

// EnsureGrid returns the named grid, creating it if needed.
func (s *Store) EnsureGrid(ctx context.Context, name string) (*db.Grid, error) {
	grid := db.Grid{Name: name, InitialSize: 1}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&grid).Error
	if err != nil {
		return nil, err
	}
	return s.GridByName(ctx, name)
}

// CreateService inserts a new service in the initial state.
func (s *Store) CreateService(ctx context.Context, svc *db.GridService) error {
	if svc.State == "" {
		svc.State = db.ServiceStateInitial
	}
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(svc).Error
}

// Service returns the service with the given id and its instances.
func (s *Store) Service(ctx context.Context, id uint) (*db.GridService, error) {
	var svc db.GridService
	err := s.db.WithContext(ctx).
		Preload("Instances", func(tx *gorm.DB) *gorm.DB { return tx.Order("instance_number") }).
		Preload("Instances.HostNode").
		First(&svc, id).Error
	if err != nil {
		return nil, notFound(err, "service", id)
	}
	return &svc, nil
}

// ServiceByName returns the named service of a grid.
func (s *Store) ServiceByName(ctx context.Context, gridID uint, name string) (*db.GridService, error) {
	var svc db.GridService
	err := s.db.WithContext(ctx).Where("grid_id = ? AND name = ?", gridID, name).First(&svc).Error
	if err != nil {
		return nil, notFound(err, "service", name)
	}
	return &svc, nil
}

// SetServiceState sets the lifecycle state unconditionally.
func (s *Store) SetServiceState(ctx context.Context, id uint, state string) error {
	return s.db.WithContext(ctx).Model(&db.GridService{}).Where("id = ?", id).Update("state", state).Error
}

// TransitionState atomically moves a service to state `to`, provided
// its current state is not one of `forbidden`. It returns the previous
// state, or ErrStateConflict if the transition was not allowed.
func (s *Store) TransitionState(ctx context.Context, id uint, to string, forbidden ...string) (string, error) {
	var prev string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var svc db.GridService
		if err := tx.Select("id", "state").First(&svc, id).Error; err != nil {
			return notFound(err, "service", id)
		}
		prev = svc.State
		q := tx.Model(&db.GridService{}).Where("id = ? AND state = ?", id, prev)
		if len(forbidden) > 0 {
			q = q.Where("state NOT IN ?", forbidden)
		}
		res := q.Update("state", to)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("service %d is %s: %w", id, prev, ErrStateConflict)
		}
		return nil
	})
	return prev, err
}

// SetServiceImageID records the image id pulled for a service.
func (s *Store) SetServiceImageID(ctx context.Context, id uint, imageID string) error {
	return s.db.WithContext(ctx).Model(&db.GridService{}).Where("id = ?", id).Update("image_id", imageID).Error
}

// SetServiceDeployRev records the revision of the last successful
// rollout.
func (s *Store) SetServiceDeployRev(ctx context.Context, id uint, rev string) error {
	return s.db.WithContext(ctx).Model(&db.GridService{}).Where("id = ?", id).Update("deploy_rev", rev).Error
}

// ConnectedNodes returns the connected nodes of a grid, each with its
// total InstanceCount filled in.
func (s *Store) ConnectedNodes(ctx context.Context, gridID uint) ([]db.HostNode, error) {
	var nodes []db.HostNode
	err := s.db.WithContext(ctx).
		Where("grid_id = ? AND connected = ?", gridID, true).
		Order("node_number, node_id").
		Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	counts, err := s.NodeInstanceCounts(ctx, gridID)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		nodes[i].InstanceCount = counts[nodes[i].ID]
	}
	return nodes, nil
}

// Nodes returns all nodes of a grid.
func (s *Store) Nodes(ctx context.Context, gridID uint) ([]db.HostNode, error) {
	var nodes []db.HostNode
	err := s.db.WithContext(ctx).Where("grid_id = ?", gridID).Order("node_number, node_id").Find(&nodes).Error
	return nodes, err
}

// HasReadyNodes reports whether the grid has at least one connected
// node.
func (s *Store) HasReadyNodes(ctx context.Context, gridID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&db.HostNode{}).
		Where("grid_id = ? AND connected = ?", gridID, true).
		Count(&n).Error
	return n > 0, err
}

// NodeInstanceCounts returns the number of instances per node id for
// all services of a grid.
func (s *Store) NodeInstanceCounts(ctx context.Context, gridID uint) (map[uint]int, error) {
	var rows []struct {
		HostNodeID uint
		N          int
	}
	err := s.db.WithContext(ctx).Model(&db.ServiceInstance{}).
		Select("service_instances.host_node_id, count(*) as n").
		Joins("JOIN grid_services ON grid_services.id = service_instances.grid_service_id").
		Where("grid_services.grid_id = ?", gridID).
		Group("service_instances.host_node_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[uint]int, len(rows))
	for _, r := range rows {
		counts[r.HostNodeID] = r.N
	}
	return counts, nil
}

// ServiceInstances returns the instances of a service with their nodes.
func (s *Store) ServiceInstances(ctx context.Context, serviceID uint) ([]db.ServiceInstance, error) {
	var insts []db.ServiceInstance
	err := s.db.WithContext(ctx).Preload("HostNode").
		Where("grid_service_id = ?", serviceID).
		Order("instance_number").
		Find(&insts).Error
	return insts, err
}

// FindInstance returns the named instance of a service if it carries
// deployRev, or ErrNotFound.
func (s *Store) FindInstance(ctx context.Context, serviceID uint, name, deployRev string) (*db.ServiceInstance, error) {
	var inst db.ServiceInstance
	err := s.db.WithContext(ctx).Preload("HostNode").
		Where("grid_service_id = ? AND name = ? AND deploy_rev = ?", serviceID, name, deployRev).
		First(&inst).Error
	if err != nil {
		return nil, notFound(err, "instance", name)
	}
	return &inst, nil
}

// StaleInstances returns the instances of a service whose deployRev
// differs from rev.
func (s *Store) StaleInstances(ctx context.Context, serviceID uint, rev string) ([]db.ServiceInstance, error) {
	var insts []db.ServiceInstance
	err := s.db.WithContext(ctx).Preload("HostNode").
		Where("grid_service_id = ? AND deploy_rev <> ?", serviceID, rev).
		Order("instance_number").
		Find(&insts).Error
	return insts, err
}

// DeleteInstance removes an instance record.
func (s *Store) DeleteInstance(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Unscoped().Delete(&db.ServiceInstance{}, id).Error
}

// RegistryFor returns the credentials stored for a registry host, or
// ErrNotFound.
func (s *Store) RegistryFor(ctx context.Context, gridID uint, name string) (*db.Registry, error) {
	var reg db.Registry
	err := s.db.WithContext(ctx).Where("grid_id = ? AND name = ?", gridID, name).First(&reg).Error
	if err != nil {
		return nil, notFound(err, "registry", name)
	}
	return &reg, nil
}

// CreateRegistry stores registry credentials, replacing existing ones
// for the same host.
func (s *Store) CreateRegistry(ctx context.Context, reg *db.Registry) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "grid_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"url", "username", "password", "email", "updated_at"}),
	}).Create(reg).Error
}

// MarkStaleNodesDisconnected marks connected nodes whose last report is
// older than cutoff as disconnected and returns how many changed.
func (s *Store) MarkStaleNodesDisconnected(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&db.HostNode{}).
		Where("connected = ? AND last_seen_at < ?", true, cutoff.UTC()).
		Update("connected", false)
	return res.RowsAffected, res.Error
}
