package defect

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// RawEntity is one record as the tracker's REST API returns it: a flat list
// of named fields, each with zero or one value object.
type RawEntity struct {
	Type   string     `json:"Type,omitempty"`
	Fields []RawField `json:"Fields"`
}

// RawField is a single named field of a RawEntity.
type RawField struct {
	Name   string     `json:"Name"`
	Values []RawValue `json:"values"`
}

// RawValue carries the textual form of a field value. Strings, numbers and
// null are accepted; a missing "value" key reads as absent.
type RawValue struct {
	Value string
	Set   bool
}

// UnmarshalJSON decodes {"value": <string|number|null>}.
func (v *RawValue) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		// A bare scalar in the values array carries no usable value.
		*v = RawValue{}
		return nil
	}
	raw, ok := obj["value"]
	if !ok {
		*v = RawValue{}
		return nil
	}
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		*v = RawValue{}
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*v = RawValue{Value: s, Set: true}
	default:
		*v = RawValue{Value: string(raw), Set: true}
	}
	return nil
}

// MarshalJSON writes the value back in the tracker's shape.
func (v RawValue) MarshalJSON() ([]byte, error) {
	if !v.Set {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string{"value": v.Value})
}

// RawResponse is one page of the tracker's collection endpoint.
type RawResponse struct {
	Entities     []RawEntity `json:"entities"`
	TotalResults int         `json:"TotalResults"`
}

// Field builds a RawField holding one value, for fixtures and adapters.
func Field(name, value string) RawField {
	return RawField{Name: name, Values: []RawValue{{Value: value, Set: true}}}
}

// fieldMap flattens an entity; the first value of each field wins and
// fields without a value map to "".
func fieldMap(e RawEntity) map[string]string {
	m := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		if len(f.Values) == 0 || !f.Values[0].Set {
			m[f.Name] = ""
			continue
		}
		m[f.Name] = f.Values[0].Value
	}
	return m
}

// Normalize maps a raw entity onto the canonical Defect. It never fails:
// unparseable numbers and missing fields become zero values.
func Normalize(e RawEntity) Defect {
	f := fieldMap(e)

	id, _ := strconv.Atoi(strings.TrimSpace(f["id"]))

	var fixTime *int
	if s := strings.TrimSpace(f["actual-fix-time"]); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			fixTime = &n
		}
	}

	d := Defect{
		ID:              id,
		Name:            f["name"],
		Status:          f["status"],
		Priority:        f["priority"],
		Severity:        f["severity"],
		Owner:           f["owner"],
		DetectedBy:      f["detected-by"],
		Description:     PlainText(f["description"]),
		DescriptionHTML: f["description"],
		DevComments:     PlainText(f["dev-comments"]),
		DevCommentsHTML: f["dev-comments"],
		Created:         f["creation-time"],
		Modified:        f["last-modified"],
		Closed:          f["closing-date"],
		Reproducible:    f["reproducible"],
		Attachment:      f["attachment"],
		DetectedInRel:   f["detected-in-rel"],
		DetectedInRcyc:  f["detected-in-rcyc"],
		ActualFixTime:   fixTime,
		DefectType:      f["user-template-08"],
		Application:     f["user-01"],
		Workstream:      f["user-template-02"],
		Module:          f["user-template-03"],
		TargetDate:      f["user-template-12"],
	}
	return Derive(d)
}

// NormalizeAll normalises a batch, preserving input order.
func NormalizeAll(entities []RawEntity) []Defect {
	out := make([]Defect, len(entities))
	for i, e := range entities {
		out[i] = Normalize(e)
	}
	return out
}

// ParseResponse decodes a collection page and normalises its entities.
// TotalResults is returned as a progress hint only.
func ParseResponse(data []byte) ([]Defect, int, error) {
	var resp RawResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, 0, err
	}
	return NormalizeAll(resp.Entities), resp.TotalResults, nil
}
