package analysis

import (
	"errors"
	"fmt"
	"time"

	"engagement-pipeline/coding"
	"engagement-pipeline/engagementdb"
)

// ErrPartialLocationCoverage is returned when a dataset configures some but
// not all of the levels of a location hierarchy.
var ErrPartialLocationCoverage = errors.New("partial location imputation is not supported")

type DatasetType string

const (
	DatasetTypeDemographic            DatasetType = "demographic"
	DatasetTypeResearchQuestionAnswer DatasetType = "research_question_answer"
)

// AnalysisLocation tags a coding config as one level of a location
// hierarchy. The value is also the level's name in the hierarchy file.
type AnalysisLocation string

const (
	KenyaCounty       AnalysisLocation = "kenya_county"
	KenyaConstituency AnalysisLocation = "kenya_constituency"

	MogadishuSubDistrict AnalysisLocation = "mogadishu_sub_district"
	SomaliaDistrict      AnalysisLocation = "somalia_district"
	SomaliaRegion        AnalysisLocation = "somalia_region"
	SomaliaState         AnalysisLocation = "somalia_state"
	SomaliaZone          AnalysisLocation = "somalia_zone"
	SomaliaOperator      AnalysisLocation = "somalia_operator"
)

// LocationGroup is a set of locations imputed together from one hierarchy.
type LocationGroup struct {
	Hierarchy string
	Levels    []AnalysisLocation
}

// LocationGroups are imputed in this order.
var LocationGroups = []LocationGroup{
	{Hierarchy: "kenya", Levels: []AnalysisLocation{KenyaConstituency, KenyaCounty}},
	{Hierarchy: "somalia", Levels: []AnalysisLocation{MogadishuSubDistrict, SomaliaDistrict, SomaliaRegion, SomaliaState, SomaliaZone}},
}

// AgeCategory is a closed interval of ages.
type AgeCategory struct {
	Min      int    `yaml:"min" json:"min"`
	Max      int    `yaml:"max" json:"max"`
	Category string `yaml:"category" json:"category"`
}

type AgeCategoryConfig struct {
	AgeAnalysisDataset string        `yaml:"age_analysis_dataset" json:"age_analysis_dataset"`
	Categories         []AgeCategory `yaml:"categories" json:"categories"`
}

func (c *AgeCategoryConfig) categoryFor(age int) (string, bool) {
	for _, cat := range c.Categories {
		if cat.Min <= age && age <= cat.Max {
			return cat.Category, true
		}
	}
	return "", false
}

// Validate checks the categories do not overlap.
func (c *AgeCategoryConfig) Validate() error {
	for i, a := range c.Categories {
		if a.Min > a.Max {
			return fmt.Errorf("age category %q has min %d > max %d", a.Category, a.Min, a.Max)
		}
		for _, b := range c.Categories[i+1:] {
			if a.Min <= b.Max && b.Min <= a.Max {
				return fmt.Errorf("age categories %q and %q overlap", a.Category, b.Category)
			}
		}
	}
	return nil
}

type CodingConfig struct {
	CodeScheme       *coding.CodeScheme
	AnalysisDataset  string
	AgeCategory      *AgeCategoryConfig
	AnalysisLocation AnalysisLocation
}

// Kind distinguishes datasets built from messages from the operator dataset,
// which is derived from the channel operator of each participant's messages.
type Kind int

const (
	KindStandard Kind = iota
	KindOperator
)

func (k Kind) String() string {
	switch k {
	case KindStandard:
		return "standard"
	case KindOperator:
		return "operator"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type DatasetConfig struct {
	Kind                 Kind
	EngagementDBDatasets []string
	DatasetType          DatasetType
	RawDataset           string
	CodingConfigs        []CodingConfig
}

// OperatorDataset returns a demographic dataset config whose codes come from
// message channel operators.
func OperatorDataset(rawDataset string, codingConfigs []CodingConfig) DatasetConfig {
	return DatasetConfig{
		Kind:          KindOperator,
		DatasetType:   DatasetTypeDemographic,
		RawDataset:    rawDataset,
		CodingConfigs: codingConfigs,
	}
}

func (d *DatasetConfig) containsDataset(dataset string) bool {
	for _, ds := range d.EngagementDBDatasets {
		if ds == dataset {
			return true
		}
	}
	return false
}

func (d *DatasetConfig) schemes() []*coding.CodeScheme {
	out := make([]*coding.CodeScheme, 0, len(d.CodingConfigs))
	for _, c := range d.CodingConfigs {
		out = append(out, c.CodeScheme)
	}
	return out
}

type Config struct {
	Datasets               []DatasetConfig
	WSCorrectDatasetScheme *coding.CodeScheme
	// Locations holds the hierarchy for each LocationGroup, keyed by the
	// group's Hierarchy name.
	Locations map[string]*coding.LocationHierarchy
	// ProjectStart and ProjectEnd bound research question messages,
	// inclusive. Nil means unbounded.
	ProjectStart         *time.Time
	ProjectEnd           *time.Time
	TestParticipantUUIDs []string
}

// datasetConfigFor finds the config for the message's engagement db dataset.
func (c *Config) datasetConfigFor(m *engagementdb.Message) (*DatasetConfig, error) {
	for i := range c.Datasets {
		if c.Datasets[i].containsDataset(m.Dataset) {
			return &c.Datasets[i], nil
		}
	}
	return nil, fmt.Errorf("no analysis dataset configuration for message %s, which has engagement db dataset %q", m.MessageID, m.Dataset)
}

// EngagementDBDatasets lists every dataset the analysis reads.
func (c *Config) EngagementDBDatasets() []string {
	var out []string
	for _, d := range c.Datasets {
		out = append(out, d.EngagementDBDatasets...)
	}
	return out
}

func (c *Config) datasetsOfType(t DatasetType) []string {
	var out []string
	for _, d := range c.Datasets {
		if d.DatasetType == t {
			out = append(out, d.EngagementDBDatasets...)
		}
	}
	return out
}

// Validate checks the parts of the config the passes rely on.
func (c *Config) Validate() error {
	if c.WSCorrectDatasetScheme == nil {
		return errors.New("analysis config has no ws correct dataset scheme")
	}
	ageConfigs := 0
	for _, d := range c.Datasets {
		switch d.Kind {
		case KindStandard:
			if len(d.EngagementDBDatasets) == 0 {
				return fmt.Errorf("analysis dataset %s has no engagement db datasets", d.RawDataset)
			}
		case KindOperator:
			if len(d.EngagementDBDatasets) != 0 {
				return fmt.Errorf("operator dataset %s cannot read engagement db datasets", d.RawDataset)
			}
		default:
			return fmt.Errorf("analysis dataset %s has unknown kind %v", d.RawDataset, d.Kind)
		}
		for _, cc := range d.CodingConfigs {
			if cc.CodeScheme == nil {
				return fmt.Errorf("coding config %s has no code scheme", cc.AnalysisDataset)
			}
			if cc.AgeCategory != nil {
				ageConfigs++
				if err := cc.AgeCategory.Validate(); err != nil {
					return err
				}
			}
		}
	}
	if ageConfigs > 1 {
		return fmt.Errorf("found %d age category configs, expected at most one", ageConfigs)
	}
	return nil
}
