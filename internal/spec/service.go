package spec

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultRegistry is used for images without an explicit registry host.
const DefaultRegistry = "index.docker.io"

var (
	serviceNameRE = regexp.MustCompile(`^\w[\w-]*$`)
	netModeRE     = regexp.MustCompile(`^(bridge|host|container:.+)$`)
)

// ServiceSpec defines the structure for a user's service create request.
// This is what is sent to the API.
type ServiceSpec struct {
	Name          string     `json:"name"`
	Image         string     `json:"image"`
	Stateful      bool       `json:"stateful"`
	InstanceCount int        `json:"container_count,omitempty"`
	User          string     `json:"user,omitempty"`
	CPUShares     int        `json:"cpu_shares,omitempty"`
	Memory        int64      `json:"memory,omitempty"`
	MemorySwap    int64      `json:"memory_swap,omitempty"`
	Cmd           []string   `json:"cmd,omitempty"`
	Env           []string   `json:"env,omitempty"`
	Net           string     `json:"net,omitempty"`
	Ports         []PortSpec `json:"ports,omitempty"`
	Volumes       []string   `json:"volumes,omitempty"`
	VolumesFrom   []string   `json:"volumes_from,omitempty"`
	Affinity      []string   `json:"affinity,omitempty"`
	LoadBalancer  string     `json:"load_balancer,omitempty"`
}

// PortSpec defines a node-to-container port mapping.
type PortSpec struct {
	IP            string `json:"ip,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
	NodePort      int    `json:"node_port"`
	ContainerPort int    `json:"container_port"`
}

// RegistryAuth defines credentials for a private container registry.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// RegistrySpec is the API request for storing registry credentials.
type RegistrySpec struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	RegistryAuth
}

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Defaults fills in optional fields.
func (s *ServiceSpec) Defaults() {
	if s.InstanceCount == 0 {
		s.InstanceCount = 1
	}
	if s.Net == "" {
		s.Net = "bridge"
	}
	for i := range s.Ports {
		if s.Ports[i].IP == "" {
			s.Ports[i].IP = "0.0.0.0"
		}
		if s.Ports[i].Protocol == "" {
			s.Ports[i].Protocol = "tcp"
		}
	}
}

// Validate checks s on its own. Checks needing the store (links,
// name collisions) are done by the caller.
func (s *ServiceSpec) Validate() []FieldError {
	var errs []FieldError
	if !serviceNameRE.MatchString(s.Name) {
		errs = append(errs, FieldError{"name", "matches", "name must be word characters or '-', not starting with '-'"})
	}
	if s.Image == "" {
		errs = append(errs, FieldError{"image", "required", "image is required"})
	}
	if s.InstanceCount < 0 {
		errs = append(errs, FieldError{"container_count", "min", "container_count must not be negative"})
	}
	if s.CPUShares < 0 || s.CPUShares > 1024 {
		errs = append(errs, FieldError{"cpu_shares", "range", "cpu_shares must be between 0 and 1024"})
	}
	if s.Net != "" && !netModeRE.MatchString(s.Net) {
		errs = append(errs, FieldError{"net", "matches", "net must be bridge, host or container:<name>"})
	}
	if s.Stateful && len(s.VolumesFrom) > 0 {
		errs = append(errs, FieldError{"volumes_from", "invalid", "Cannot combine stateful & volumes_from"})
	}
	for _, p := range s.Ports {
		if p.ContainerPort <= 0 || p.ContainerPort > 65535 || p.NodePort < 0 || p.NodePort > 65535 {
			errs = append(errs, FieldError{"ports", "range", fmt.Sprintf("invalid port mapping %d:%d", p.NodePort, p.ContainerPort)})
		}
	}
	return errs
}

// RegistryName returns the registry host an image is pulled from.
func RegistryName(image string) string {
	if !strings.Contains(image, "/") {
		return DefaultRegistry
	}
	name := strings.SplitN(image, "/", 2)[0]
	if strings.ContainsAny(name, ".:") || name == "localhost" {
		return name
	}
	return DefaultRegistry
}
