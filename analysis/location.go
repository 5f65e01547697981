package analysis

import (
	"fmt"

	"go.uber.org/zap"

	"engagement-pipeline/coding"
)

type locationLevel struct {
	config *CodingConfig
	level  AnalysisLocation
}

// ImputeLocation fans the one location code a coder assigned out to every
// level of its hierarchy. Control and meta codes are copied to all levels.
// Conflicting codes across levels become CE.
func ImputeLocation(s *Snapshot, cfg *Config, log *zap.Logger) (*Snapshot, error) {
	if log == nil {
		log = zap.NewNop()
	}
	out := s
	for _, group := range LocationGroups {
		for i := range cfg.Datasets {
			d := &cfg.Datasets[i]
			levels, err := locationLevels(d, group)
			if err != nil {
				return nil, err
			}
			if levels == nil {
				continue
			}
			h := cfg.Locations[group.Hierarchy]
			if h == nil {
				return nil, fmt.Errorf("dataset %s has %s locations but no %s location hierarchy is configured", d.RawDataset, group.Hierarchy, group.Hierarchy)
			}
			for _, l := range levels {
				if !h.HasLevel(string(l.level)) {
					return nil, fmt.Errorf("%s location hierarchy has no level %s", group.Hierarchy, l.level)
				}
			}
			out, err = imputeLocationForDataset(out, d, levels, h, log)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// locationLevels returns the coding configs of d for each level of group, or
// nil when d has none of them.
func locationLevels(d *DatasetConfig, group LocationGroup) ([]locationLevel, error) {
	byLevel := map[AnalysisLocation]*CodingConfig{}
	for j := range d.CodingConfigs {
		cc := &d.CodingConfigs[j]
		for _, l := range group.Levels {
			if cc.AnalysisLocation != l {
				continue
			}
			if _, dup := byLevel[l]; dup {
				return nil, fmt.Errorf("dataset %s has more than one coding config for location %s", d.RawDataset, l)
			}
			byLevel[l] = cc
		}
	}
	if len(byLevel) == 0 {
		return nil, nil
	}
	if len(byLevel) < len(group.Levels) {
		return nil, fmt.Errorf("%w: dataset %s has %d of the %d %s location levels", ErrPartialLocationCoverage, d.RawDataset, len(byLevel), len(group.Levels), group.Hierarchy)
	}
	out := make([]locationLevel, 0, len(group.Levels))
	for _, l := range group.Levels {
		out = append(out, locationLevel{config: byLevel[l], level: l})
	}
	return out, nil
}

func imputeLocationForDataset(s *Snapshot, d *DatasetConfig, levels []locationLevel, h *coding.LocationHierarchy, log *zap.Logger) (*Snapshot, error) {
	e := s.edit("location")
	var normal, meta, control, codingErrors, missing int
	for i, m := range e.messages {
		if !d.containsDataset(m.Dataset) {
			continue
		}

		// At most one location should have been coded. Different codes
		// across levels are a coding error, even when they agree.
		var found *coding.Code
		for _, l := range levels {
			labels := coding.LatestLabelsWithScheme(m, l.config.CodeScheme)
			if len(labels) == 0 {
				continue
			}
			code, err := l.config.CodeScheme.CodeWithCodeID(labels[0].CodeID)
			if err != nil {
				return nil, fmt.Errorf("message %s: %w", m.MessageID, err)
			}
			if found == nil {
				found = &code
				continue
			}
			if found.CodeID != code.CodeID {
				ce, err := l.config.CodeScheme.CodeWithControlCode(coding.ControlCodingError)
				if err != nil {
					return nil, err
				}
				found = &ce
				codingErrors++
			}
		}
		if found == nil {
			missing++
			continue
		}

		for _, l := range levels {
			sc := l.config.CodeScheme
			var (
				code coding.Code
				err  error
			)
			switch found.CodeType {
			case coding.CodeTypeControl:
				code, err = sc.CodeWithControlCode(found.ControlCode)
				control++
			case coding.CodeTypeMeta:
				code, err = sc.CodeWithMetaCode(found.MetaCode)
				meta++
			default:
				if len(found.MatchValues) == 0 {
					return nil, fmt.Errorf("location code %s has no match values", found.CodeID)
				}
				code, err = coding.CodeForResult(sc, h.Derive(found.MatchValues[0], string(l.level)))
			}
			if err != nil {
				return nil, fmt.Errorf("message %s, scheme %s: %w", m.MessageID, sc.SchemeID, err)
			}
			e.insertLabel(i, e.label(sc, code, false), "location from "+found.CodeID)
		}
		if found.CodeType == coding.CodeTypeNormal {
			normal++
		}
	}
	log.Info("imputed locations",
		zap.String("dataset", d.RawDataset),
		zap.Int("coding_errors", codingErrors),
		zap.Int("normal", normal),
		zap.Int("meta_labels", meta),
		zap.Int("control_labels", control),
		zap.Int("no_location_code", missing))
	return e.done(), nil
}
