package analysis

import (
	"fmt"

	"go.uber.org/zap"

	"engagement-pipeline/coding"
)

// ImputeNotReviewedAndCodingError replaces the labels of messages no coder
// has checked with NR, and of partly checked messages with CE, under every
// scheme of the message's dataset and the WS scheme. Fully checked messages
// are left alone.
func ImputeNotReviewedAndCodingError(s *Snapshot, cfg *Config, log *zap.Logger) (*Snapshot, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := s.edit("not_reviewed")
	nr, ce := 0, 0
	for i, m := range e.messages {
		d, err := cfg.datasetConfigFor(m)
		if err != nil {
			return nil, err
		}
		schemes := append(d.schemes(), cfg.WSCorrectDatasetScheme)

		hasChecked, hasUnchecked := false, false
		for _, sc := range schemes {
			for _, l := range coding.LatestLabelsWithScheme(m, sc) {
				if l.Checked {
					hasChecked = true
				} else {
					hasUnchecked = true
				}
			}
		}
		if hasChecked && !hasUnchecked {
			continue
		}

		control := coding.ControlNotReviewed
		if hasChecked {
			control = coding.ControlCodingError
			ce++
		} else {
			nr++
		}
		if err := e.clearLatestLabels(i, schemes); err != nil {
			return nil, err
		}
		for _, sc := range schemes {
			code, err := sc.CodeWithControlCode(control)
			if err != nil {
				return nil, fmt.Errorf("scheme %s: %w", sc.SchemeID, err)
			}
			e.insertLabel(i, e.label(sc, code, false), "imputed "+control)
		}
	}
	log.Info("imputed not reviewed labels", zap.Int("messages", len(e.messages)), zap.Int("not_reviewed", nr), zap.Int("coding_error", ce))
	return e.done(), nil
}

// ImputeWSCodingError marks a message CE under all its schemes when a coder
// gave it WS in a normal scheme without a WS scheme code, or the reverse.
func ImputeWSCodingError(s *Snapshot, cfg *Config, log *zap.Logger) (*Snapshot, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ws := cfg.WSCorrectDatasetScheme
	e := s.edit("ws_coding_error")
	imputed := 0
	for i, m := range e.messages {
		d, err := cfg.datasetConfigFor(m)
		if err != nil {
			return nil, err
		}
		normal := d.schemes()

		wsInNormal, codeInWS := false, false
		for _, l := range m.GetLatestLabels() {
			if !l.Checked {
				continue
			}
			if l.SchemeID == ws.SchemeID {
				codeInWS = true
				continue
			}
			code, err := coding.CodeForLabel(l, normal)
			if err != nil {
				return nil, fmt.Errorf("message %s: %w", m.MessageID, err)
			}
			if code.ControlCode == coding.ControlWrongScheme {
				wsInNormal = true
			}
		}
		if wsInNormal == codeInWS {
			continue
		}

		imputed++
		all := append(normal, ws)
		if err := e.clearLatestLabels(i, all); err != nil {
			return nil, err
		}
		for _, sc := range all {
			code, err := sc.CodeWithControlCode(coding.ControlCodingError)
			if err != nil {
				return nil, fmt.Errorf("scheme %s: %w", sc.SchemeID, err)
			}
			e.insertLabel(i, e.label(sc, code, true), "ws labels inconsistent")
		}
	}
	log.Info("imputed ws coding errors", zap.Int("messages", imputed))
	return e.done(), nil
}

// ImputeAgeCategory labels every age message with the age category scheme
// code for its age: normal ages by category range, meta and control codes by
// the matching category code.
func ImputeAgeCategory(s *Snapshot, cfg *Config, log *zap.Logger) (*Snapshot, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var category *CodingConfig
	for i := range cfg.Datasets {
		for j := range cfg.Datasets[i].CodingConfigs {
			cc := &cfg.Datasets[i].CodingConfigs[j]
			if cc.AgeCategory == nil {
				continue
			}
			if category != nil {
				return nil, fmt.Errorf("found more than one age category config (%s, %s)", category.AnalysisDataset, cc.AnalysisDataset)
			}
			category = cc
		}
	}
	if category == nil {
		log.Info("no age category configuration, not imputing age categories")
		return s, nil
	}

	var (
		age         *CodingConfig
		ageDatasets *DatasetConfig
	)
	for i := range cfg.Datasets {
		for j := range cfg.Datasets[i].CodingConfigs {
			cc := &cfg.Datasets[i].CodingConfigs[j]
			if cc.AnalysisDataset != category.AgeCategory.AgeAnalysisDataset {
				continue
			}
			if age != nil {
				return nil, fmt.Errorf("found more than one coding config for age dataset %s", cc.AnalysisDataset)
			}
			age, ageDatasets = cc, &cfg.Datasets[i]
		}
	}
	if age == nil {
		return nil, fmt.Errorf("age category config refers to unknown analysis dataset %s", category.AgeCategory.AgeAnalysisDataset)
	}

	e := s.edit("age_category")
	ageMessages := 0
	for i, m := range e.messages {
		if !ageDatasets.containsDataset(m.Dataset) {
			continue
		}
		ageMessages++
		labels := coding.LatestLabelsWithScheme(m, age.CodeScheme)
		if len(labels) == 0 {
			return nil, fmt.Errorf("age message %s has no label under scheme %s", m.MessageID, age.CodeScheme.SchemeID)
		}
		ageCode, err := age.CodeScheme.CodeWithCodeID(labels[0].CodeID)
		if err != nil {
			return nil, err
		}

		var code coding.Code
		switch ageCode.CodeType {
		case coding.CodeTypeNormal:
			c, ok := category.AgeCategory.categoryFor(ageCode.NumericValue)
			if !ok {
				return nil, fmt.Errorf("age %d of message %s is not in any age category", ageCode.NumericValue, m.MessageID)
			}
			code, err = category.CodeScheme.CodeWithMatchValue(c)
		case coding.CodeTypeMeta:
			code, err = category.CodeScheme.CodeWithMetaCode(ageCode.MetaCode)
		case coding.CodeTypeControl:
			code, err = category.CodeScheme.CodeWithControlCode(ageCode.ControlCode)
		default:
			err = fmt.Errorf("age code %s has unknown code type %q", ageCode.CodeID, ageCode.CodeType)
		}
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", m.MessageID, err)
		}
		e.insertLabel(i, e.label(category.CodeScheme, code, false), "age category from "+ageCode.CodeID)
	}
	log.Info("imputed age categories", zap.String("dataset", category.AnalysisDataset), zap.Int("age_messages", ageMessages))
	return e.done(), nil
}
