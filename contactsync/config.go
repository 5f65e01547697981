package contactsync

import "fmt"

// WriteMode controls what a normal contact field holds.
type WriteMode string

const (
	// WriteModeConcatenateTexts writes every message text, tagged with its
	// dataset.
	WriteModeConcatenateTexts WriteMode = "concatenate_texts"
	// WriteModeShowPresence writes a fixed marker when the participant has
	// any response.
	WriteModeShowPresence WriteMode = "show_presence"
)

// PresenceMarker is written in WriteModeShowPresence.
const PresenceMarker = "#ENGAGEMENT-DATABASE-HAS-RESPONSE"

// ConsentWithdrawnValue is written to the consent field of participants who
// sent STOP.
const ConsentWithdrawnValue = "yes"

type ContactField struct {
	Key   string `yaml:"key" json:"key"`
	Label string `yaml:"label" json:"label"`
}

// DatasetConfig maps a group of engagement db datasets onto one contact field.
type DatasetConfig struct {
	EngagementDBDatasets []string     `yaml:"engagement_db_datasets" json:"engagement_db_datasets"`
	RapidProContactField ContactField `yaml:"rapid_pro_contact_field" json:"rapid_pro_contact_field"`
}

type Config struct {
	NormalDatasets          []DatasetConfig `yaml:"normal_datasets,omitempty" json:"normal_datasets,omitempty"`
	ConsentWithdrawnDataset *DatasetConfig  `yaml:"consent_withdrawn_dataset,omitempty" json:"consent_withdrawn_dataset,omitempty"`
	WriteMode               WriteMode       `yaml:"write_mode,omitempty" json:"write_mode,omitempty"`
	// AllowClearingFields lets the sync blank a field. A message that just
	// arrived in Rapid Pro may not be in the engagement db yet, so clearing
	// can erase data the participant really sent.
	AllowClearingFields bool `yaml:"allow_clearing_fields,omitempty" json:"allow_clearing_fields,omitempty"`
}

// SetDefaults fills in the write mode.
func (c *Config) SetDefaults() {
	if c.WriteMode == "" {
		c.WriteMode = WriteModeShowPresence
	}
}

func (c *Config) Validate() error {
	switch c.WriteMode {
	case "", WriteModeConcatenateTexts, WriteModeShowPresence:
	default:
		return fmt.Errorf("unknown write mode %q", c.WriteMode)
	}
	for _, d := range c.allDatasetConfigs() {
		if d.RapidProContactField.Key == "" {
			return fmt.Errorf("contact field for datasets %v has no key", d.EngagementDBDatasets)
		}
	}
	return nil
}

func (c *Config) allDatasetConfigs() []DatasetConfig {
	out := append([]DatasetConfig(nil), c.NormalDatasets...)
	if c.ConsentWithdrawnDataset != nil {
		out = append(out, *c.ConsentWithdrawnDataset)
	}
	return out
}

// datasets lists every engagement db dataset the config reads, in first-seen
// order.
func (c *Config) datasets() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, d := range c.allDatasetConfigs() {
		for _, ds := range d.EngagementDBDatasets {
			if _, ok := seen[ds]; ok {
				continue
			}
			seen[ds] = struct{}{}
			out = append(out, ds)
		}
	}
	return out
}

func (c *Config) contactFields() []ContactField {
	var out []ContactField
	for _, d := range c.allDatasetConfigs() {
		out = append(out, d.RapidProContactField)
	}
	return out
}
