package codasync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"engagement-pipeline/coding"
)

// ErrNoWSDestination means a message was labelled wrong-scheme with a code
// that no dataset is configured to receive, and no default is set.
var ErrNoWSDestination = errors.New("codasync: no dataset configured for ws code")

// RoutingCycleError is returned instead of moving a message back into a
// dataset it has already left, which points to a loop in the WS labels.
type RoutingCycleError struct {
	MessageID        string
	Destination      string
	PreviousDatasets []string
}

func (e *RoutingCycleError) Error() string {
	return fmt.Sprintf("message %s is being ws-corrected to %q, which is already in its previous datasets %v",
		e.MessageID, e.Destination, e.PreviousDatasets)
}

// CodeSchemeConfig is a scheme coded in a dataset, with an optional
// auto-coder run over messages that have no labels yet.
type CodeSchemeConfig struct {
	CodeScheme *coding.CodeScheme
	AutoCoder  coding.AutoCoder
	// CodaCodeSchemesCount is how many copies of the scheme Coda shows, for
	// messages that need more than one code. Zero means one.
	CodaCodeSchemesCount int
}

func (c CodeSchemeConfig) count() int {
	if c.CodaCodeSchemesCount < 1 {
		return 1
	}
	return c.CodaCodeSchemesCount
}

type DatasetConfig struct {
	CodaDatasetID       string
	EngagementDBDataset string
	CodeSchemes         []CodeSchemeConfig
	// WSCodeMatchValue is the match value of the WS scheme code that routes
	// messages into this dataset.
	WSCodeMatchValue    string
	DatasetUsersFileURL string
	// UpdateUsersAndCodeSchemes defaults to true in the pipeline config.
	UpdateUsersAndCodeSchemes bool
}

func (d *DatasetConfig) normalSchemes() []*coding.CodeScheme {
	out := make([]*coding.CodeScheme, 0, len(d.CodeSchemes))
	for _, c := range d.CodeSchemes {
		out = append(out, c.CodeScheme)
	}
	return out
}

type Config struct {
	Datasets               []DatasetConfig
	WSCorrectDatasetScheme *coding.CodeScheme
	ProjectUsersFileURL    string
	// DefaultWSDataset receives WS-corrected messages whose code matches no
	// configured dataset. Usually empty, so misconfiguration fails loudly.
	DefaultWSDataset string
}

// DatasetByEngagementDBDataset returns the config for an engagement db
// dataset.
func (c *Config) DatasetByEngagementDBDataset(dataset string) (*DatasetConfig, error) {
	for i := range c.Datasets {
		if c.Datasets[i].EngagementDBDataset == dataset {
			return &c.Datasets[i], nil
		}
	}
	return nil, fmt.Errorf("no coda dataset configured for engagement db dataset %q", dataset)
}

// DatasetByWSMatchValues returns the first dataset whose ws code match value
// is one of values.
func (c *Config) DatasetByWSMatchValues(values []string) (*DatasetConfig, bool) {
	for i := range c.Datasets {
		for _, v := range values {
			if c.Datasets[i].WSCodeMatchValue == v {
				return &c.Datasets[i], true
			}
		}
	}
	return nil, false
}

// loadUserIDs reads a JSON array of Coda user ids.
func loadUserIDs(fileURL string) ([]string, error) {
	b, err := os.ReadFile(strings.TrimPrefix(fileURL, "file://"))
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return nil, fmt.Errorf("parse users file %s: %w", fileURL, err)
	}
	return ids, nil
}
