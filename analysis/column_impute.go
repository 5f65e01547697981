package analysis

import (
	"fmt"

	"go.uber.org/zap"

	"engagement-pipeline/coding"
	"engagement-pipeline/engagementdb"
)

// ConsentWithdrawnText replaces every raw text of a participant who withdrew
// consent.
const ConsentWithdrawnText = "STOP"

// ImputeTrueMissing gives every column a record has no message for an empty
// text and a single NA label.
func ImputeTrueMissing(v *ColumnView, cfg *Config, log *zap.Logger) (*ColumnView, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := v.edit("true_missing")
	imputed := 0
	for i, r := range v.records {
		for _, cc := range cfg.ColumnConfigs() {
			if _, ok := r.Raw[cc.RawField]; ok {
				continue
			}
			code, err := cc.CodeScheme.CodeWithControlCode(coding.ControlTrueMissing)
			if err != nil {
				return nil, fmt.Errorf("scheme %s: %w", cc.CodeScheme.SchemeID, err)
			}
			e.setLabels(i, cc.CodedField, nil, e.label(cc.CodeScheme, code), "true missing")
			imputed++
		}
		// Raw fields are shared between the columns of a dataset, so the
		// text is set once the labels of every column are in.
		for _, cc := range cfg.ColumnConfigs() {
			if _, ok := e.records[i].Raw[cc.RawField]; !ok {
				e.setRaw(i, cc.RawField, "", "true missing")
			}
		}
	}
	log.Info("imputed true missing codes", zap.Int("codes", imputed), zap.Int("records", v.Len()))
	return e.done(), nil
}

// ImputeSomaliaZoneFromOperator replaces an NC Somalia zone with the zone the
// participant's operator serves.
func ImputeSomaliaZoneFromOperator(v *ColumnView, cfg *Config, log *zap.Logger) (*ColumnView, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var operator, zone *ColumnConfig
	for i := range cfg.Datasets {
		d := &cfg.Datasets[i]
		for j, cc := range d.CodingConfigs {
			col := columnConfigsFor(d)[j]
			switch cc.AnalysisLocation {
			case SomaliaOperator:
				if operator != nil {
					return nil, fmt.Errorf("more than one coding config has analysis location %s", SomaliaOperator)
				}
				operator = &col
			case SomaliaZone:
				if zone != nil {
					return nil, fmt.Errorf("more than one coding config has analysis location %s", SomaliaZone)
				}
				zone = &col
			}
		}
	}
	if operator == nil || zone == nil {
		log.Debug("not imputing somalia zone from operator, zone and operator are not both configured")
		return v, nil
	}
	h := cfg.Locations["somalia"]
	if h == nil {
		return nil, fmt.Errorf("somalia zone and operator are configured but there is no somalia location hierarchy")
	}

	e := v.edit("zone_from_operator")
	imputed := 0
	for i, r := range v.records {
		hasNC, hasNormal := false, false
		var kept []engagementdb.Label
		for _, l := range r.Labels[zone.CodedField] {
			code, err := zone.CodeScheme.CodeWithCodeID(l.CodeID)
			if err != nil {
				return nil, err
			}
			if code.ControlCode == coding.ControlNotCoded {
				hasNC = true
				continue
			}
			if code.CodeType == coding.CodeTypeNormal {
				hasNormal = true
			}
			kept = append(kept, l)
		}
		if !hasNC {
			continue
		}
		if hasNormal {
			return nil, fmt.Errorf("participant %s has both NC and a normal somalia zone", r.ParticipantUUID)
		}
		code, err := coding.CodeForResult(zone.CodeScheme, h.ZoneForOperator(r.Raw[operator.RawField]))
		if err != nil {
			return nil, err
		}
		e.setLabels(i, zone.CodedField, kept, e.label(zone.CodeScheme, code), "zone from operator "+r.Raw[operator.RawField])
		imputed++
	}
	log.Info("imputed somalia zones from operator", zap.Int("records", imputed))
	return e.done(), nil
}

// ImputeNICDemogs replaces conflicting normal codes in demographic columns
// with NIC, keeping any control and meta codes.
func ImputeNICDemogs(v *ColumnView, cfg *Config, log *zap.Logger) (*ColumnView, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := v.edit("nic")
	imputed := 0
	for i, r := range v.records {
		for _, cc := range cfg.columnConfigsOfType(DatasetTypeDemographic) {
			var (
				normal    string
				conflict  bool
				nonNormal []engagementdb.Label
			)
			for _, l := range r.Labels[cc.CodedField] {
				code, err := cc.CodeScheme.CodeWithCodeID(l.CodeID)
				if err != nil {
					return nil, err
				}
				if code.CodeType != coding.CodeTypeNormal {
					nonNormal = append(nonNormal, l)
					continue
				}
				if normal == "" {
					normal = code.CodeID
				} else if normal != code.CodeID {
					conflict = true
				}
			}
			if !conflict {
				continue
			}
			nic, err := cc.CodeScheme.CodeWithControlCode(coding.ControlNotInternallyConsistent)
			if err != nil {
				return nil, fmt.Errorf("scheme %s: %w", cc.CodeScheme.SchemeID, err)
			}
			e.setLabels(i, cc.CodedField, nonNormal, e.label(cc.CodeScheme, nic), "conflicting normal codes")
			imputed++
		}
	}
	log.Info("imputed NIC codes", zap.Int("codes", imputed), zap.Int("records", v.Len()))
	return e.done(), nil
}

// ImputeConsentWithdrawn flags every record of a participant with a STOP
// label in any column, and overwrites their texts and labels with STOP.
func ImputeConsentWithdrawn(v *ColumnView, cfg *Config, log *zap.Logger) (*ColumnView, error) {
	if log == nil {
		log = zap.NewNop()
	}
	columns := cfg.ColumnConfigs()
	withdrawn := map[string]struct{}{}
	for _, r := range v.records {
		for _, cc := range columns {
			for _, l := range r.Labels[cc.CodedField] {
				code, err := cc.CodeScheme.CodeWithCodeID(l.CodeID)
				if err != nil {
					return nil, err
				}
				if code.ControlCode == coding.ControlStop {
					withdrawn[r.ParticipantUUID] = struct{}{}
				}
			}
		}
	}

	e := v.edit("consent_withdrawn")
	flagged := 0
	for i, r := range v.records {
		_, ok := withdrawn[r.ParticipantUUID]
		e.setConsentWithdrawn(i, ok)
		if !ok {
			continue
		}
		flagged++
		for _, cc := range columns {
			stop, err := cc.CodeScheme.CodeWithControlCode(coding.ControlStop)
			if err != nil {
				return nil, fmt.Errorf("scheme %s: %w", cc.CodeScheme.SchemeID, err)
			}
			e.setLabels(i, cc.CodedField, nil, e.label(cc.CodeScheme, stop), "consent withdrawn")
			if e.records[i].Raw[cc.RawField] != ConsentWithdrawnText {
				e.setRaw(i, cc.RawField, ConsentWithdrawnText, "redacted")
			}
		}
	}
	log.Info("imputed consent withdrawn", zap.Int("participants", len(withdrawn)), zap.Int("records", flagged))
	return e.done(), nil
}

// ImputeColumnCodes runs the column passes in order.
func ImputeColumnCodes(v *ColumnView, cfg *Config, log *zap.Logger) (*ColumnView, error) {
	var err error
	for _, pass := range []func(*ColumnView, *Config, *zap.Logger) (*ColumnView, error){
		ImputeTrueMissing,
		ImputeSomaliaZoneFromOperator,
		ImputeNICDemogs,
		ImputeConsentWithdrawn,
	} {
		if v, err = pass(v, cfg, log); err != nil {
			return nil, err
		}
	}
	return v, nil
}
