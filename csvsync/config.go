package csvsync

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSourceChanged means a source's content hash differs from the hash
	// recorded the last time it was synced. Row origin ids depend on that
	// hash, so resyncing would duplicate messages.
	ErrSourceChanged = errors.New("csvsync: source changed since it was last synced")
	// ErrAmbiguousDataset means a timestamp falls inside more than one dataset
	// range.
	ErrAmbiguousDataset = errors.New("csvsync: timestamp matches multiple dataset ranges")
)

// DatasetRange routes messages whose timestamp is in [StartDate, EndDate) to
// Dataset. Zero bounds are open.
type DatasetRange struct {
	Dataset   string    `yaml:"engagement_db_dataset" json:"engagement_db_dataset"`
	StartDate time.Time `yaml:"start_date,omitempty" json:"start_date,omitempty"`
	EndDate   time.Time `yaml:"end_date,omitempty" json:"end_date,omitempty"`
}

func (r DatasetRange) contains(t time.Time) bool {
	if !r.StartDate.IsZero() && t.Before(r.StartDate) {
		return false
	}
	if !r.EndDate.IsZero() && !t.Before(r.EndDate) {
		return false
	}
	return true
}

// Source is one CSV file to sync. The file must have the headers Sender,
// Message and ReceivedOn.
type Source struct {
	// URL is a file:// URL or a plain path.
	URL                  string         `yaml:"url" json:"url"`
	Timezone             string         `yaml:"timezone" json:"timezone"`
	EngagementDBDatasets []DatasetRange `yaml:"engagement_db_datasets" json:"engagement_db_datasets"`
	// ArchiveDir, when set, receives the file after it has been synced.
	ArchiveDir string `yaml:"archive_dir,omitempty" json:"archive_dir,omitempty"`
}

// Path returns the local file the source refers to.
func (s Source) Path() string {
	return strings.TrimPrefix(s.URL, "file://")
}

// DatasetForTimestamp returns the dataset whose range covers t. ok is false
// when no range matches.
func (s Source) DatasetForTimestamp(t time.Time) (dataset string, ok bool, err error) {
	for _, r := range s.EngagementDBDatasets {
		if !r.contains(t) {
			continue
		}
		if ok {
			return "", false, fmt.Errorf("%w: %s", ErrAmbiguousDataset, t.Format(time.RFC3339))
		}
		dataset, ok = r.Dataset, true
	}
	return dataset, ok, nil
}

// Config is the csv_sources part of a pipeline configuration.
type Config struct {
	Sources []Source `yaml:"sources" json:"sources"`
	// OperatorPrefixes maps tel number prefixes to operator names.
	OperatorPrefixes map[string]string `yaml:"operator_prefixes,omitempty" json:"operator_prefixes,omitempty"`
}

var timestampLayouts = []string{
	"02/01/2006 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04:05.999999",
	"2006/01/02 15:04:05.999999",
	"2006/01/02 15:04:05",
}

// ParseTimestamp parses the date formats seen in exported CSVs, interpreting
// them in loc.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse date %q", raw)
}
