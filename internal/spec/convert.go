package spec

import (
	"encoding/json"
	"fmt"

	"github.com/atvirokodosprendimai/knitgrid/internal/db"
)

// GridService returns the model stored for s in grid gridID. The load
// balancer link is resolved by the caller.
func (s *ServiceSpec) GridService(gridID uint) (*db.GridService, error) {
	svc := &db.GridService{
		GridID:        gridID,
		Name:          s.Name,
		Image:         s.Image,
		Stateful:      s.Stateful,
		InstanceCount: s.InstanceCount,
		CPUShares:     s.CPUShares,
		Memory:        s.Memory,
		MemorySwap:    s.MemorySwap,
		Net:           s.Net,
		User:          s.User,
		State:         db.ServiceStateInitial,
	}
	fields := []struct {
		dst *string
		v   any
	}{
		{&svc.Env, s.Env},
		{&svc.Cmd, s.Cmd},
		{&svc.Volumes, s.Volumes},
		{&svc.VolumesFrom, s.VolumesFrom},
		{&svc.Affinity, s.Affinity},
		{&svc.Ports, s.Ports},
	}
	for _, f := range fields {
		data, err := json.Marshal(f.v)
		if err != nil {
			return nil, err
		}
		*f.dst = string(data)
	}
	return svc, nil
}

// FromGridService is the inverse of GridService. LoadBalancer is left
// empty.
func FromGridService(svc *db.GridService) (*ServiceSpec, error) {
	s := &ServiceSpec{
		Name:          svc.Name,
		Image:         svc.Image,
		Stateful:      svc.Stateful,
		InstanceCount: svc.InstanceCount,
		User:          svc.User,
		CPUShares:     svc.CPUShares,
		Memory:        svc.Memory,
		MemorySwap:    svc.MemorySwap,
		Net:           svc.Net,
	}
	fields := []struct {
		name string
		raw  string
		v    any
	}{
		{"env", svc.Env, &s.Env},
		{"cmd", svc.Cmd, &s.Cmd},
		{"volumes", svc.Volumes, &s.Volumes},
		{"volumes_from", svc.VolumesFrom, &s.VolumesFrom},
		{"affinity", svc.Affinity, &s.Affinity},
		{"ports", svc.Ports, &s.Ports},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.v); err != nil {
			return nil, fmt.Errorf("service %s: decode %s: %w", svc.Name, f.name, err)
		}
	}
	return s, nil
}
