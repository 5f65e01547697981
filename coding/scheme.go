// Package coding holds code schemes and the helpers that turn cleaner and
// auto-coder output into labels.
package coding

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"engagement-pipeline/engagementdb"
)

type CodeType string

const (
	CodeTypeNormal  CodeType = "Normal"
	CodeTypeMeta    CodeType = "Meta"
	CodeTypeControl CodeType = "Control"
)

// Control codes with pipeline-wide meaning.
const (
	ControlStop                    = "STOP"
	ControlWrongScheme             = "WS"
	ControlNotCoded                = "NC"
	ControlNotReviewed             = "NR"
	ControlCodingError             = "CE"
	ControlTrueMissing             = "NA"
	ControlNotInternallyConsistent = "NIC"
)

var ErrCodeNotFound = errors.New("code not found")

type Code struct {
	CodeID        string   `json:"CodeID" yaml:"code_id"`
	CodeType      CodeType `json:"CodeType" yaml:"code_type"`
	ControlCode   string   `json:"ControlCode,omitempty" yaml:"control_code,omitempty"`
	MetaCode      string   `json:"MetaCode,omitempty" yaml:"meta_code,omitempty"`
	DisplayText   string   `json:"DisplayText" yaml:"display_text"`
	NumericValue  int      `json:"NumericValue" yaml:"numeric_value"`
	StringValue   string   `json:"StringValue" yaml:"string_value"`
	MatchValues   []string `json:"MatchValues,omitempty" yaml:"match_values,omitempty"`
	VisibleInCoda bool     `json:"VisibleInCoda" yaml:"visible_in_coda"`
	Shortcut      string   `json:"Shortcut,omitempty" yaml:"shortcut,omitempty"`
}

type CodeScheme struct {
	SchemeID string `json:"SchemeID" yaml:"scheme_id"`
	Name     string `json:"Name" yaml:"name"`
	Version  string `json:"Version" yaml:"version"`
	Codes    []Code `json:"Codes" yaml:"codes"`
}

// LoadCodeScheme reads a scheme exported from Coda.
func LoadCodeScheme(path string) (*CodeScheme, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s CodeScheme
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse code scheme %s: %w", path, err)
	}
	if s.SchemeID == "" {
		return nil, fmt.Errorf("code scheme %s has no SchemeID", path)
	}
	return &s, nil
}

func (s *CodeScheme) find(desc string, match func(Code) bool) (Code, error) {
	for _, c := range s.Codes {
		if match(c) {
			return c, nil
		}
	}
	return Code{}, fmt.Errorf("scheme %s (%s): %s: %w", s.Name, s.SchemeID, desc, ErrCodeNotFound)
}

func (s *CodeScheme) CodeWithCodeID(id string) (Code, error) {
	return s.find("code id "+id, func(c Code) bool { return c.CodeID == id })
}

func (s *CodeScheme) CodeWithControlCode(control string) (Code, error) {
	return s.find("control code "+control, func(c Code) bool {
		return c.CodeType == CodeTypeControl && c.ControlCode == control
	})
}

func (s *CodeScheme) CodeWithMetaCode(meta string) (Code, error) {
	return s.find("meta code "+meta, func(c Code) bool {
		return c.CodeType == CodeTypeMeta && c.MetaCode == meta
	})
}

func (s *CodeScheme) CodeWithMatchValue(value string) (Code, error) {
	return s.find("match value "+value, func(c Code) bool {
		for _, v := range c.MatchValues {
			if v == value {
				return true
			}
		}
		return false
	})
}

// HasCodeID reports whether id is a code of s. The tombstone id is always
// accepted.
func (s *CodeScheme) HasCodeID(id string) bool {
	if id == engagementdb.SpecialManuallyUncoded {
		return true
	}
	_, err := s.CodeWithCodeID(id)
	return err == nil
}

// Copy returns a deep copy.
func (s *CodeScheme) Copy() *CodeScheme {
	out := *s
	out.Codes = make([]Code, len(s.Codes))
	for i, c := range s.Codes {
		c.MatchValues = append([]string(nil), c.MatchValues...)
		out.Codes[i] = c
	}
	return &out
}

// DuplicateScheme returns the n-th copy of s shown in Coda. The first copy is
// s itself; later copies get a "-{n}" id suffix.
func (s *CodeScheme) DuplicateScheme(n int) *CodeScheme {
	if n <= 1 {
		return s
	}
	out := s.Copy()
	out.SchemeID = fmt.Sprintf("%s-%d", s.SchemeID, n)
	return out
}

// Equal compares two schemes field by field.
func (s *CodeScheme) Equal(other *CodeScheme) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, _ := json.Marshal(s)
	b, _ := json.Marshal(other)
	return string(a) == string(b)
}

// SchemeForLabel finds the scheme a label belongs to, matching duplicated
// scheme ids by prefix.
func SchemeForLabel(schemeID string, schemes []*CodeScheme) (*CodeScheme, bool) {
	for _, s := range schemes {
		if strings.HasPrefix(schemeID, s.SchemeID) {
			return s, true
		}
	}
	return nil, false
}

// CodeForLabel returns the code a label refers to.
func CodeForLabel(l engagementdb.Label, schemes []*CodeScheme) (Code, error) {
	s, ok := SchemeForLabel(l.SchemeID, schemes)
	if !ok {
		ids := make([]string, 0, len(schemes))
		for _, s := range schemes {
			ids = append(ids, s.SchemeID)
		}
		return Code{}, fmt.Errorf("label scheme id %q is not in any of %v: %w", l.SchemeID, ids, ErrCodeNotFound)
	}
	return s.CodeWithCodeID(l.CodeID)
}

// LatestLabelsWithScheme returns m's latest labels under scheme or any of its
// duplicates, normalised to the primary scheme id.
func LatestLabelsWithScheme(m *engagementdb.Message, scheme *CodeScheme) []engagementdb.Label {
	var out []engagementdb.Label
	for _, l := range m.GetLatestLabels() {
		if strings.HasPrefix(l.SchemeID, scheme.SchemeID) {
			l.SchemeID = scheme.SchemeID
			out = append(out, l)
		}
	}
	return out
}
