package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atvirokodosprendimai/knitgrid/internal/db"
)

// An affinity rule restricts the nodes a service may run on. Supported
// forms are node==NAME, node!=NAME, label==LABEL and label!=LABEL.
type affinity struct {
	key   string
	equal bool
	value string
}

func parseAffinity(rule string) (affinity, error) {
	for _, op := range []string{"==", "!="} {
		if key, value, ok := strings.Cut(rule, op); ok {
			key = strings.TrimSpace(key)
			if key != "node" && key != "label" {
				return affinity{}, fmt.Errorf("unsupported affinity key %q", key)
			}
			return affinity{key: key, equal: op == "==", value: strings.TrimSpace(value)}, nil
		}
	}
	return affinity{}, fmt.Errorf("invalid affinity rule %q", rule)
}

func (a affinity) match(node db.HostNode) bool {
	var found bool
	switch a.key {
	case "node":
		found = node.Name == a.value || node.NodeID == a.value
	case "label":
		for _, l := range strings.Split(node.Labels, ",") {
			if strings.TrimSpace(l) == a.value {
				found = true
				break
			}
		}
	}
	return found == a.equal
}

// ParseAffinity decodes the JSON list of affinity rules stored on a
// service.
func ParseAffinity(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var rules []string
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("decode affinity: %w", err)
	}
	for _, r := range rules {
		if _, err := parseAffinity(r); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

// FilterNodes returns the nodes satisfying every affinity rule of svc.
// Invalid rules match no node.
func FilterNodes(svc *db.GridService, nodes []db.HostNode) []db.HostNode {
	rules, err := ParseAffinity(svc.Affinity)
	if err != nil {
		return nil
	}
	if len(rules) == 0 {
		return nodes
	}
	var result []db.HostNode
	for _, node := range nodes {
		ok := true
		for _, r := range rules {
			a, _ := parseAffinity(r)
			if !a.match(node) {
				ok = false
				break
			}
		}
		if ok {
			result = append(result, node)
		}
	}
	return result
}
