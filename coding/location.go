package coding

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LocationHierarchy maps location codes between the levels of a geographic
// hierarchy, e.g. district -> region -> state -> zone.
//
// File layout:
//
//	levels: [somalia_zone, somalia_state, somalia_region, somalia_district]
//	rows:
//	  - {somalia_zone: scz, somalia_state: banadir, somalia_region: banadir, somalia_district: hodan}
//	operator_zones:
//	  hormud: scz
type LocationHierarchy struct {
	Levels        []string            `yaml:"levels"`
	Rows          []map[string]string `yaml:"rows"`
	OperatorZones map[string]string   `yaml:"operator_zones"`
}

func LoadLocationHierarchy(path string) (*LocationHierarchy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h LocationHierarchy
	if err := yaml.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("parse location hierarchy %s: %w", path, err)
	}
	if len(h.Levels) == 0 {
		return nil, fmt.Errorf("location hierarchy %s has no levels", path)
	}
	known := make(map[string]bool, len(h.Levels))
	for _, l := range h.Levels {
		known[l] = true
	}
	for i, row := range h.Rows {
		for l := range row {
			if !known[l] {
				return nil, fmt.Errorf("location hierarchy %s row %d: unknown level %q", path, i, l)
			}
		}
	}
	return &h, nil
}

func (h *LocationHierarchy) HasLevel(level string) bool {
	for _, l := range h.Levels {
		if l == level {
			return true
		}
	}
	return false
}

// Derive returns the target-level location containing the location code
// value, found at any level. Values that do not determine a unique
// target-level location are NotCoded.
func (h *LocationHierarchy) Derive(value, target string) CleanResult {
	if value == "" {
		return NotCodedResult
	}
	found := ""
	for _, row := range h.Rows {
		if !rowContains(row, value) {
			continue
		}
		t := row[target]
		if t == "" {
			return NotCodedResult
		}
		if found != "" && found != t {
			return NotCodedResult
		}
		found = t
	}
	if found == "" {
		return NotCodedResult
	}
	return CodedAs(found)
}

func rowContains(row map[string]string, value string) bool {
	for _, v := range row {
		if v == value {
			return true
		}
	}
	return false
}

// ZoneForOperator maps a channel operator to the zone it mostly serves.
func (h *LocationHierarchy) ZoneForOperator(operator string) CleanResult {
	z, ok := h.OperatorZones[strings.ToLower(operator)]
	if !ok || z == "" {
		return NotCodedResult
	}
	return CodedAs(z)
}
