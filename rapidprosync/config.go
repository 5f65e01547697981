package rapidprosync

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// FlowResultConfig routes one result field of a flow to a dataset.
type FlowResultConfig struct {
	FlowName            string `yaml:"flow_name" json:"flow_name"`
	FlowResultField     string `yaml:"flow_result_field" json:"flow_result_field"`
	EngagementDBDataset string `yaml:"engagement_db_dataset" json:"engagement_db_dataset"`
}

// UUIDFilter restricts the sync to participants listed in a JSON array of
// participant uuids.
type UUIDFilter struct {
	UUIDFileURL string `yaml:"uuid_file_url" json:"uuid_file_url"`
}

// Load reads the filter file into a set.
func (f UUIDFilter) Load() (map[string]struct{}, error) {
	b, err := os.ReadFile(strings.TrimPrefix(f.UUIDFileURL, "file://"))
	if err != nil {
		return nil, fmt.Errorf("read uuid filter: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return nil, fmt.Errorf("parse uuid filter: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Config is one workspace's rapid_pro_sources entry.
type Config struct {
	FlowResults []FlowResultConfig `yaml:"flow_result_configurations" json:"flow_result_configurations"`
	UUIDFilter  *UUIDFilter        `yaml:"uuid_filter,omitempty" json:"uuid_filter,omitempty"`
	// OperatorPrefixes maps tel number prefixes to operator names.
	OperatorPrefixes map[string]string `yaml:"operator_prefixes,omitempty" json:"operator_prefixes,omitempty"`
}

type flowGroup struct {
	name    string
	configs []FlowResultConfig
}

// groupByFlow groups result configs by flow name, keeping first-seen order.
func groupByFlow(configs []FlowResultConfig) []flowGroup {
	idx := map[string]int{}
	var out []flowGroup
	for _, c := range configs {
		i, ok := idx[c.FlowName]
		if !ok {
			i = len(out)
			idx[c.FlowName] = i
			out = append(out, flowGroup{name: c.FlowName})
		}
		out[i].configs = append(out[i].configs, c)
	}
	return out
}
