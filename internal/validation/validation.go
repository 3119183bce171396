// Package validation reads VALIDATION_RESULT payloads published by validator agents.
package validation

import (
	"encoding/json"

	"github.com/mtzanidakis/conclave/internal/bus"
)

const (
	StatusPass           = "PASS"
	StatusFail           = "FAIL"
	StatusCannotValidate = "CANNOT_VALIDATE"
)

// NoReason replaces a missing CANNOT_VALIDATE reason.
const NoReason = "No reason provided"

type Criterion struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Evidence any    `json:"evidence,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type Result struct {
	Approved        bool        `json:"approved"`
	Summary         string      `json:"summary,omitempty"`
	CriteriaResults []Criterion `json:"criteriaResults"`
}

// Parse decodes an event's data as a validation result. Malformed entries are
// dropped individually; ok is false when the payload is not an object.
func Parse(ev bus.Event) (Result, bool) {
	var res Result
	if len(ev.Content.Data) == 0 {
		return res, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(ev.Content.Data, &raw); err != nil || raw == nil {
		return res, false
	}
	_ = json.Unmarshal(raw["approved"], &res.Approved)
	_ = json.Unmarshal(raw["summary"], &res.Summary)

	var entries []json.RawMessage
	if err := json.Unmarshal(raw["criteriaResults"], &entries); err != nil {
		return res, true
	}
	for _, e := range entries {
		var c Criterion
		if err := json.Unmarshal(e, &c); err != nil {
			continue
		}
		res.CriteriaResults = append(res.CriteriaResults, c)
	}
	return res, true
}

// CannotValidate collects CANNOT_VALIDATE criteria across events, first
// occurrence of each id wins. Entries without an id are skipped.
func CannotValidate(events []bus.Event) []Criterion {
	var out []Criterion
	seen := make(map[string]bool)
	for _, ev := range events {
		res, ok := Parse(ev)
		if !ok {
			continue
		}
		for _, c := range res.CriteriaResults {
			if c.Status != StatusCannotValidate || c.ID == "" || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			if c.Reason == "" {
				c.Reason = NoReason
			}
			out = append(out, c)
		}
	}
	return out
}
