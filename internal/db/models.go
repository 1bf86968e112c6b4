package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Lifecycle states of a GridService.
const (
	ServiceStateInitial   = "initial"
	ServiceStateDeploying = "deploying"
	ServiceStateRunning   = "running"
	ServiceStateStopped   = "stopped"
	ServiceStateStarting  = "starting"
	ServiceStateStopping  = "stopping"
)

// Grid is a cluster of host nodes.
type Grid struct {
	gorm.Model
	Name        string `gorm:"uniqueIndex"`
	InitialSize int    `gorm:"default:1"`
}

// HostNode is a cluster member capable of running service instances.
// It is created and updated from agent reports and is read-only to the
// deployer.
type HostNode struct {
	gorm.Model
	NodeID     string `gorm:"uniqueIndex"`
	GridID     uint   `gorm:"index"`
	Name       string
	Address    string
	Labels     string // comma separated
	Connected  bool
	LastSeenAt time.Time
	NodeNumber int
	CPUs       int
	Memory     int64

	// InstanceCount is the number of instances (of any service) on the
	// node. It is filled in by the store for scheduling.
	InstanceCount int `gorm:"-"`
}

// GridService is the desired state of a deployable service.
type GridService struct {
	gorm.Model
	GridID         uint   `gorm:"uniqueIndex:idx_grid_service_name"`
	Name           string `gorm:"uniqueIndex:idx_grid_service_name"`
	Image          string
	ImageID        string
	Stateful       bool
	InstanceCount  int
	CPUShares      int
	Memory         int64
	MemorySwap     int64
	Net            string
	User           string
	Env            string // JSON array
	Cmd            string // JSON array
	Volumes        string // JSON array
	VolumesFrom    string // JSON array
	Affinity       string // JSON array
	Ports          string // JSON array of spec.PortSpec
	State          string `gorm:"default:initial"`
	DeployRev      string
	LoadBalancerID *uint

	Instances []ServiceInstance `gorm:"foreignKey:GridServiceID"`
}

// InstanceName returns the name of the instance with the given
// 1-based number.
func (s *GridService) InstanceName(number int) string {
	return fmt.Sprintf("%s-%d", s.Name, number)
}

// ServiceInstance is one running or desired copy of a service.
type ServiceInstance struct {
	gorm.Model
	GridServiceID  uint `gorm:"uniqueIndex:idx_service_instance"`
	InstanceNumber int  `gorm:"uniqueIndex:idx_service_instance"`
	Name           string
	HostNodeID     uint `gorm:"index"`
	ContainerID    string
	DeployRev      string `gorm:"index"`
	Status         string
	IPAddress      string

	HostNode *HostNode
}

// Registry stores credentials for a private image registry.
type Registry struct {
	gorm.Model
	GridID   uint   `gorm:"uniqueIndex:idx_grid_registry"`
	Name     string `gorm:"uniqueIndex:idx_grid_registry"` // registry host, e.g. "registry.example.com:5000"
	URL      string
	Username string
	Password string // Should be encrypted
	Email    string
}

// DistributedLock is the record backing a cluster-wide named lock. The
// primary key on Name guarantees at most one record per name.
type DistributedLock struct {
	Name      string `gorm:"primaryKey"`
	LockID    string `gorm:"not null"`
	CreatedAt time.Time
}
