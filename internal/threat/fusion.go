package threat

import (
	"sort"
	"strings"

	"ctiengine/internal/common"
)

// DefaultPriority is the order in which sources are consulted for country attribution
// and tag ordering. Sources not listed follow, sorted by name.
var DefaultPriority = []string{"virustotal", "abuseipdb"}

var malwareTags = map[string]struct{}{
	"malware":    {},
	"malicious":  {},
	"trojan":     {},
	"virus":      {},
	"ransomware": {},
	"phishing":   {},
}

// signal is the reduced input to status classification.
type signal struct {
	score      int
	malwareTag bool
	detections bool
}

type statusRule struct {
	status common.Status
	match  func(signal) bool
}

// statusRules are evaluated in order; the first match wins.
var statusRules = []statusRule{
	{
		status: common.StatusMalicious,
		match:  func(s signal) bool { return s.score >= 70 || (s.malwareTag && s.score >= 30) },
	},
	{
		status: common.StatusSuspicious,
		match:  func(s signal) bool { return s.score >= 20 || s.malwareTag || (s.detections && s.score >= 10) },
	},
	{
		status: common.StatusSuspicious,
		match:  func(s signal) bool { return s.score > 0 || s.detections },
	},
}

// Fuser combines provider results into a verdict. It is stateless after construction
// and safe for concurrent use.
type Fuser struct {
	rank map[string]int
}

// NewFuser returns a Fuser that attributes country by the given source priority.
func NewFuser(priority []string) *Fuser {
	if len(priority) == 0 {
		priority = DefaultPriority
	}
	rank := make(map[string]int, len(priority))
	for i, src := range priority {
		if _, dup := rank[src]; !dup {
			rank[src] = i
		}
	}
	return &Fuser{rank: rank}
}

var defaultFuser = NewFuser(DefaultPriority)

// Fuse combines results with DefaultPriority.
func Fuse(results []ProviderResult) AggregateVerdict {
	return defaultFuser.Fuse(results)
}

// Fuse combines results into one verdict. Results with an error contribute nothing.
// Score and confidence take the maximum, country the first known value in priority
// order, tags the case-sensitive union.
func (f *Fuser) Fuse(results []ProviderResult) AggregateVerdict {
	v := AggregateVerdict{Country: UnknownCountry, Tags: []string{}}
	var sig signal
	seen := make(map[string]struct{})

	for _, r := range f.ordered(results) {
		score := clamp(r.ThreatScore)
		conf := clamp(r.Confidence)
		if score > v.ThreatScore {
			v.ThreatScore = score
		}
		if conf > v.Confidence {
			v.Confidence = conf
		}
		if v.Country == UnknownCountry && knownCountry(r.Country) {
			v.Country = r.Country
		}
		if r.Detections > 0 || conf > 0 {
			sig.detections = true
		}
		for _, tag := range r.Tags {
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			v.Tags = append(v.Tags, tag)
		}
	}

	sig.score = v.ThreatScore
	sig.malwareTag = HasMalwareTag(v.Tags)
	v.Status = statusFor(sig)
	return v
}

// ordered drops failed results and sorts the rest by source priority, then name.
func (f *Fuser) ordered(results []ProviderResult) []ProviderResult {
	out := make([]ProviderResult, 0, len(results))
	for _, r := range results {
		if r.Failed() {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := f.rank[out[i].Source]
		rj, jok := f.rank[out[j].Source]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return out[i].Source < out[j].Source
		}
	})
	return out
}

// HasMalwareTag reports whether any tag names a malware category, ignoring case.
func HasMalwareTag(tags []string) bool {
	for _, t := range tags {
		if _, ok := malwareTags[strings.ToLower(t)]; ok {
			return true
		}
	}
	return false
}

func statusFor(s signal) common.Status {
	for _, rule := range statusRules {
		if rule.match(s) {
			return rule.status
		}
	}
	return common.StatusClean
}

func knownCountry(c string) bool {
	c = strings.TrimSpace(c)
	return c != "" && !strings.EqualFold(c, UnknownCountry)
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
