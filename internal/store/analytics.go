package store

import (
	"sort"
	"time"

	"ctiengine/internal/common"
	"ctiengine/internal/threat"
)

const dayLayout = "2006-01-02"

// Read-side helpers shared by the key/value backends, which hold no secondary indexes.

func sortNewestFirst(recs []threat.ThreatRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].Identifier < recs[j].Identifier
	})
}

func paginate(recs []threat.ThreatRecord, limit, offset int) []threat.ThreatRecord {
	limit, offset = normalizeLimit(limit, offset)
	sortNewestFirst(recs)
	if offset >= len(recs) {
		return []threat.ThreatRecord{}
	}
	end := offset + limit
	if end > len(recs) {
		end = len(recs)
	}
	return recs[offset:end]
}

func topMalicious(recs []threat.ThreatRecord, n int) []threat.ThreatRecord {
	if n <= 0 {
		return []threat.ThreatRecord{}
	}
	ips := make([]threat.ThreatRecord, 0, len(recs))
	for _, r := range recs {
		if r.Kind == common.KindIP {
			ips = append(ips, r)
		}
	}
	sortNewestFirst(ips)
	sort.SliceStable(ips, func(i, j int) bool {
		return ips[i].Verdict.ThreatScore > ips[j].Verdict.ThreatScore
	})
	if len(ips) > n {
		ips = ips[:n]
	}
	return ips
}

func categoryCounts(recs []threat.ThreatRecord) map[string]int {
	out := make(map[string]int)
	for _, r := range recs {
		seen := make(map[string]struct{}, len(r.Verdict.Tags))
		for _, t := range r.Verdict.Tags {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out[t]++
		}
	}
	return out
}

func timeSeries(recs []threat.ThreatRecord, days int, now time.Time) []DayCount {
	if days <= 0 {
		return []DayCount{}
	}
	now = now.UTC()
	since := now.Add(-time.Duration(days) * 24 * time.Hour)
	buckets := make(map[string]int)
	for _, r := range recs {
		c := r.CreatedAt.UTC()
		if c.Before(since) || c.After(now) {
			continue
		}
		buckets[c.Format(dayLayout)]++
	}
	out := make([]DayCount, 0, len(buckets))
	for d, n := range buckets {
		out = append(out, DayCount{Date: d, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
