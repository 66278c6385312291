package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"ctiengine/internal/common"
	"ctiengine/internal/threat"
)

const (
	VirusTotalName    = "virustotal"
	VirusTotalBaseURL = "https://www.virustotal.com/vtapi/v2"
)

// VirusTotal queries the v2 IP and domain report endpoints.
type VirusTotal struct {
	apiKey string
	client *Client
}

// NewVirusTotal builds the adapter. An empty apiKey yields "unavailable" results.
func NewVirusTotal(apiKey, baseURL string, opts ...ClientOption) *VirusTotal {
	if baseURL == "" {
		baseURL = VirusTotalBaseURL
	}
	return &VirusTotal{apiKey: apiKey, client: NewClient(strings.TrimRight(baseURL, "/"), opts...)}
}

func (v *VirusTotal) Name() string { return VirusTotalName }

// vtReport covers the fields used from both report kinds. The sample lists are
// decoded loosely because the API returns either an array or a count.
type vtReport struct {
	ResponseCode  int             `json:"response_code"`
	VerboseMsg    string          `json:"verbose_msg"`
	Country       string          `json:"country"`
	Category      string          `json:"category"`
	DetectedURLs  json.RawMessage `json:"detected_urls"`
	DetectedSamp  json.RawMessage `json:"detected_samples"`
	Communicating json.RawMessage `json:"detected_communicating_samples"`
}

func (v *VirusTotal) CheckIP(ctx context.Context, ip string) threat.ProviderResult {
	if v.apiKey == "" {
		return threat.Unavailable(VirusTotalName, common.KindIP, "VirusTotal API key not configured")
	}
	var rep vtReport
	raw, err := v.client.GetJSON(ctx, "/ip-address/report", url.Values{"apikey": {v.apiKey}, "ip": {ip}}, &rep)
	if err != nil {
		return threat.TransportFailure(VirusTotalName, common.KindIP, err)
	}

	res := v.base(common.KindIP, raw)
	switch rep.ResponseCode {
	case 1:
	case 0:
		return res
	default:
		return vtAPIError(common.KindIP, rep)
	}
	detected := countOf(rep.DetectedURLs)
	samples := countOf(rep.Communicating)

	score := min(60, detected*15) + min(40, samples*10)
	if detected > 0 && score < 25 {
		score = 25
	}
	res.ThreatScore = min(100, score)
	res.Confidence = min(100, detected)
	res.Detections = detected
	res.Country = rep.Country
	res.Tags = vtTags(rep, detected > 0 || countOf(rep.DetectedSamp) > 0, samples > 0)
	return res
}

func (v *VirusTotal) CheckDomain(ctx context.Context, domain string) threat.ProviderResult {
	if v.apiKey == "" {
		return threat.Unavailable(VirusTotalName, common.KindDomain, "VirusTotal API key not configured")
	}
	var rep vtReport
	raw, err := v.client.GetJSON(ctx, "/domain/report", url.Values{"apikey": {v.apiKey}, "domain": {domain}}, &rep)
	if err != nil {
		return threat.TransportFailure(VirusTotalName, common.KindDomain, err)
	}

	res := v.base(common.KindDomain, raw)
	switch rep.ResponseCode {
	case 1:
	case 0:
		return res
	default:
		return vtAPIError(common.KindDomain, rep)
	}
	urls := countOf(rep.DetectedURLs)
	samples := countOf(rep.DetectedSamp)

	res.ThreatScore = min(100, urls*10+samples*5)
	res.Confidence = min(100, urls)
	res.Detections = urls + samples
	res.Country = rep.Country
	res.Tags = vtTags(rep, urls > 0 || samples > 0, countOf(rep.Communicating) > 0)
	return res
}

func (v *VirusTotal) base(scope common.Kind, raw []byte) threat.ProviderResult {
	return threat.ProviderResult{
		Source:    VirusTotalName,
		Scope:     scope,
		Country:   threat.UnknownCountry,
		Tags:      []string{},
		Raw:       json.RawMessage(raw),
		CheckedAt: time.Now().UTC(),
	}
}

func vtTags(rep vtReport, malware, c2 bool) []string {
	tags := []string{}
	if malware {
		tags = append(tags, "malware")
	}
	if c2 {
		tags = append(tags, "command-and-control")
	}
	if c := strings.ToLower(strings.TrimSpace(rep.Category)); c != "" && c != "unknown" {
		tags = append(tags, c)
	}
	return tags
}

// countOf reads a field that is either a JSON array (its length) or a number.
func countOf(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return len(list)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return int(n)
	}
	return 0
}

var _ threat.DomainProvider = (*VirusTotal)(nil)

// vtAPIError reports a response code other than found (1) or not found (0).
func vtAPIError(scope common.Kind, rep vtReport) threat.ProviderResult {
	msg := rep.VerboseMsg
	if msg == "" {
		msg = fmt.Sprintf("response_code %d", rep.ResponseCode)
	}
	return threat.TransportFailure(VirusTotalName, scope, fmt.Errorf("%s", msg))
}
