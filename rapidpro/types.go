package rapidpro

import "time"

type Org struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Country  string `json:"country,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type Flow struct {
	UUID       string     `json:"uuid"`
	Name       string     `json:"name"`
	Archived   bool       `json:"archived,omitempty"`
	CreatedOn  *time.Time `json:"created_on,omitempty"`
	ModifiedOn *time.Time `json:"modified_on,omitempty"`
}

type FlowRef struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type ContactRef struct {
	UUID string `json:"uuid"`
	URN  string `json:"urn,omitempty"`
	Name string `json:"name,omitempty"`
}

// RunValue is one flow result recorded on a run.
type RunValue struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Category string    `json:"category"`
	Node     string    `json:"node"`
	Time     time.Time `json:"time"`
	Input    string    `json:"input"`
}

type Run struct {
	ID         int64               `json:"id"`
	UUID       string              `json:"uuid"`
	Flow       FlowRef             `json:"flow"`
	Contact    ContactRef          `json:"contact"`
	Responded  bool                `json:"responded"`
	Values     map[string]RunValue `json:"values"`
	CreatedOn  time.Time           `json:"created_on"`
	ModifiedOn time.Time           `json:"modified_on"`
	ExitedOn   *time.Time          `json:"exited_on,omitempty"`
	ExitType   string              `json:"exit_type,omitempty"`
}

type Contact struct {
	UUID       string             `json:"uuid"`
	Name       string             `json:"name,omitempty"`
	Language   string             `json:"language,omitempty"`
	URNs       []string           `json:"urns"`
	Fields     map[string]*string `json:"fields,omitempty"`
	Blocked    bool               `json:"blocked,omitempty"`
	Stopped    bool               `json:"stopped,omitempty"`
	CreatedOn  time.Time          `json:"created_on"`
	ModifiedOn time.Time          `json:"modified_on"`
}

type Field struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	ValueType string `json:"value_type"`
}
