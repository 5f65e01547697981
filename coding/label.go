package coding

import (
	"time"

	"engagement-pipeline/engagementdb"
)

const (
	AutoCoderOriginName = "Pipeline Auto-Coder"
	originTypeExternal  = "External"
)

// LabelTime formats t the way label timestamps are stored.
func LabelTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

// MakeLabel builds a label assigning code under scheme.
func MakeLabel(scheme *CodeScheme, code Code, originID string, checked bool) engagementdb.Label {
	return engagementdb.Label{
		SchemeID:    scheme.SchemeID,
		CodeID:      code.CodeID,
		DateTimeUTC: LabelTime(time.Now()),
		Checked:     checked,
		Origin: engagementdb.LabelOrigin{
			OriginID:   originID,
			Name:       AutoCoderOriginName,
			OriginType: originTypeExternal,
		},
	}
}

// UncodedLabel is the tombstone that removes the current label for schemeID.
func UncodedLabel(schemeID, originID, originName string) engagementdb.Label {
	return engagementdb.Label{
		SchemeID:    schemeID,
		CodeID:      engagementdb.SpecialManuallyUncoded,
		DateTimeUTC: LabelTime(time.Now()),
		Origin: engagementdb.LabelOrigin{
			OriginID:   originID,
			Name:       originName,
			OriginType: originTypeExternal,
		},
	}
}

// CleanResultKind says whether a cleaner produced a value.
type CleanResultKind int

const (
	NotCoded CleanResultKind = iota
	Coded
)

// CleanResult is the output of a cleaner, auto-coder or location lookup.
type CleanResult struct {
	Kind  CleanResultKind
	Value string
}

func CodedAs(value string) CleanResult { return CleanResult{Kind: Coded, Value: value} }

var NotCodedResult = CleanResult{Kind: NotCoded}

// CodeForResult maps a clean result to a code in scheme: NotCoded becomes the
// NC control code, Coded values are looked up by match value.
func CodeForResult(scheme *CodeScheme, r CleanResult) (Code, error) {
	switch r.Kind {
	case Coded:
		return scheme.CodeWithMatchValue(r.Value)
	default:
		return scheme.CodeWithControlCode(ControlNotCoded)
	}
}
