package nlp

// Source names an extraction pass
type Source string

const (
	SourceModel   Source = "model"
	SourcePattern Source = "pattern"
)

// FieldPolicy lists, in order of preference, the passes a field may come from
type FieldPolicy struct {
	Field  string
	Prefer []Source
}

// MergePolicy is the production precedence table. The model pass wins for
// the structured fields when it has a value; free-text preferences are only
// ever taken from the model pass.
var MergePolicy = []FieldPolicy{
	{Field: FieldDate, Prefer: []Source{SourceModel, SourcePattern}},
	{Field: FieldRoomCount, Prefer: []Source{SourceModel, SourcePattern}},
	{Field: FieldBudget, Prefer: []Source{SourceModel, SourcePattern}},
	{Field: FieldViewPreference, Prefer: []Source{SourceModel}},
	{Field: FieldSpecialRequests, Prefer: []Source{SourceModel}},
}

// Merge combines the two passes using MergePolicy
func Merge(pattern, model RoomRequest) RoomRequest {
	return MergeWith(MergePolicy, pattern, model)
}

// MergeWith combines the two passes using the given policy. Fields not
// named by the policy stay empty.
func MergeWith(policy []FieldPolicy, pattern, model RoomRequest) RoomRequest {
	sources := map[Source]RoomRequest{
		SourcePattern: pattern,
		SourceModel:   model,
	}

	var out RoomRequest
	for _, p := range policy {
		for _, src := range p.Prefer {
			if copyField(&out, sources[src], p.Field) {
				break
			}
		}
	}
	return out
}

// copyField copies one field from src when src has it and reports whether it did
func copyField(dst *RoomRequest, src RoomRequest, field string) bool {
	switch field {
	case FieldDate:
		if src.Date == nil {
			return false
		}
		d := *src.Date
		dst.Date = &d
	case FieldRoomCount:
		if src.RoomCount == nil {
			return false
		}
		n := *src.RoomCount
		dst.RoomCount = &n
	case FieldBudget:
		if src.Budget == nil {
			return false
		}
		b := *src.Budget
		dst.Budget = &b
	case FieldViewPreference:
		if src.ViewPreference == "" {
			return false
		}
		dst.ViewPreference = src.ViewPreference
	case FieldSpecialRequests:
		if src.SpecialRequests == "" {
			return false
		}
		dst.SpecialRequests = src.SpecialRequests
	default:
		return false
	}
	return true
}
