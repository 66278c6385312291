package threat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"ctiengine/internal/common"
)

// NewRecord returns an empty record for an identifier that has never been stored.
func NewRecord(identifier string, kind common.Kind, now time.Time) ThreatRecord {
	now = now.UTC()
	return ThreatRecord{
		ID:         uuid.NewString(),
		Identifier: identifier,
		Kind:       kind,
		Results:    make(map[string]ProviderResult),
		Verdict:    AggregateVerdict{Country: UnknownCountry, Tags: []string{}, Status: common.StatusClean},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Merge folds results into the record (same source overwrites, later entries win),
// recomputes the verdict and bumps UpdatedAt and Version.
func (rec *ThreatRecord) Merge(results []ProviderResult, f *Fuser, now time.Time) {
	if rec.Results == nil {
		rec.Results = make(map[string]ProviderResult, len(results))
	}
	for _, r := range results {
		if r.Source == "" {
			continue
		}
		if r.Tags == nil {
			r.Tags = []string{}
		}
		rec.Results[r.Source] = r
	}
	rec.Recompute(f)
	rec.touch(now)
}

// Recompute rebuilds the verdict from the stored provider results and manual tags.
func (rec *ThreatRecord) Recompute(f *Fuser) {
	if f == nil {
		f = defaultFuser
	}
	all := make([]ProviderResult, 0, len(rec.Results))
	for _, r := range rec.Results {
		all = append(all, r)
	}
	v := f.Fuse(all)
	v.Tags = union(v.Tags, rec.ManualTags)
	rec.Verdict = v
}

// AddTag records a manual tag. It reports whether the tag set changed; UpdatedAt is bumped either way.
func (rec *ThreatRecord) AddTag(tag string, now time.Time) bool {
	changed := !contains(rec.Verdict.Tags, tag)
	if !contains(rec.ManualTags, tag) {
		rec.ManualTags = append(rec.ManualTags, tag)
	}
	if changed {
		rec.Verdict.Tags = append(rec.Verdict.Tags, tag)
	}
	rec.touch(now)
	return changed
}

func (rec *ThreatRecord) touch(now time.Time) {
	now = now.UTC()
	if now.Before(rec.CreatedAt) {
		now = rec.CreatedAt
	}
	if now.Before(rec.UpdatedAt) {
		now = rec.UpdatedAt
	}
	rec.UpdatedAt = now
	rec.Version++
}

// Clone returns a deep copy that shares no maps or slices with rec.
func (rec ThreatRecord) Clone() ThreatRecord {
	out := rec
	out.Results = make(map[string]ProviderResult, len(rec.Results))
	for k, r := range rec.Results {
		r.Tags = append([]string(nil), r.Tags...)
		if r.Raw != nil {
			r.Raw = append(json.RawMessage(nil), r.Raw...)
		}
		out.Results[k] = r
	}
	out.ManualTags = append([]string(nil), rec.ManualTags...)
	out.Verdict.Tags = append([]string{}, rec.Verdict.Tags...)
	return out
}

// HasTag reports whether the verdict carries tag (case-sensitive).
func (rec ThreatRecord) HasTag(tag string) bool {
	return contains(rec.Verdict.Tags, tag)
}

func union(base, extra []string) []string {
	for _, t := range extra {
		if t != "" && !contains(base, t) {
			base = append(base, t)
		}
	}
	return base
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
