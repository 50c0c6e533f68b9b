package defect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// EncodeLog renders records as the canonical log: a JSON array sorted by
// id, indented two spaces, newline terminated. Equal record sets encode to
// equal bytes regardless of input order.
func EncodeLog(records []Defect) ([]byte, error) {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b Defect) int { return a.ID - b.ID })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ID == sorted[i-1].ID {
			return nil, Invalid("id", strconv.Itoa(sorted[i].ID), "duplicate id in batch")
		}
	}
	for i := range sorted {
		sorted[i] = withEmptySets(sorted[i])
	}
	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("defect: encode log: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeLog parses a canonical log.
func DecodeLog(data []byte) ([]Defect, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("defect: decode log: empty")
	}
	var records []Defect
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("defect: decode log: %w", err)
	}
	for i := range records {
		records[i] = withEmptySets(records[i])
	}
	return records, nil
}

func withEmptySets(d Defect) Defect {
	if d.Scenarios == nil {
		d.Scenarios = []string{}
	}
	if d.Blocks == nil {
		d.Blocks = []int{}
	}
	if d.Integrations == nil {
		d.Integrations = []string{}
	}
	return d
}
