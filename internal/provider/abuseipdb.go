package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ctiengine/internal/common"
	"ctiengine/internal/threat"
)

const (
	AbuseIPDBName    = "abuseipdb"
	AbuseIPDBBaseURL = "https://api.abuseipdb.com/api/v2"
)

// abuseCategories maps AbuseIPDB report category ids to their published names.
var abuseCategories = map[int]string{
	3:  "Fraud Orders",
	4:  "DDoS Attack",
	5:  "FTP Brute-Force",
	6:  "Ping of Death",
	7:  "Phishing",
	8:  "Fraud VoIP",
	9:  "Open Proxy",
	10: "Web Spam",
	11: "Email Spam",
	12: "Blog Spam",
	13: "VPN IP",
	14: "Port Scan",
	15: "Hacking",
	16: "SQL Injection",
	17: "Spoofing",
	18: "Brute-Force",
	19: "Bad Web Bot",
	20: "Exploited Host",
	21: "Web App Attack",
	22: "SSH",
	23: "IoT Targeted",
	24: "Malware",
}

// AbuseIPDB queries the v2 check endpoint. It only assesses IP addresses.
type AbuseIPDB struct {
	apiKey     string
	maxAgeDays int
	client     *Client
}

// NewAbuseIPDB builds the adapter. An empty apiKey yields "unavailable" results.
func NewAbuseIPDB(apiKey, baseURL string, maxAgeDays int, opts ...ClientOption) *AbuseIPDB {
	if baseURL == "" {
		baseURL = AbuseIPDBBaseURL
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 90
	}
	opts = append(opts, WithHeader("Key", apiKey))
	return &AbuseIPDB{
		apiKey:     apiKey,
		maxAgeDays: maxAgeDays,
		client:     NewClient(strings.TrimRight(baseURL, "/"), opts...),
	}
}

func (a *AbuseIPDB) Name() string { return AbuseIPDBName }

type abuseResponse struct {
	Data struct {
		AbuseConfidenceScore      *int   `json:"abuseConfidenceScore"`
		AbuseConfidencePercentage *int   `json:"abuseConfidencePercentage"`
		CountryCode               string `json:"countryCode"`
		UsageType                 string `json:"usageType"`
		TotalReports              int    `json:"totalReports"`
		NumReports                int    `json:"numReports"`
		Reports                   []struct {
			Categories []int `json:"categories"`
		} `json:"reports"`
	} `json:"data"`
	Errors []struct {
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (a *AbuseIPDB) CheckIP(ctx context.Context, ip string) threat.ProviderResult {
	if a.apiKey == "" {
		return threat.Unavailable(AbuseIPDBName, common.KindIP, "AbuseIPDB API key not configured")
	}
	q := url.Values{
		"ipAddress":    {ip},
		"maxAgeInDays": {strconv.Itoa(a.maxAgeDays)},
		"verbose":      {""},
	}
	var resp abuseResponse
	raw, err := a.client.GetJSON(ctx, "/check", q, &resp)
	if err != nil {
		return threat.TransportFailure(AbuseIPDBName, common.KindIP, err)
	}
	if len(resp.Errors) > 0 {
		return threat.TransportFailure(AbuseIPDBName, common.KindIP, errors.New(resp.Errors[0].Detail))
	}

	d := resp.Data
	score := 0
	switch {
	case d.AbuseConfidenceScore != nil:
		score = *d.AbuseConfidenceScore
	case d.AbuseConfidencePercentage != nil:
		score = *d.AbuseConfidencePercentage
	}
	reports := d.NumReports
	if reports == 0 {
		reports = d.TotalReports
	}
	country := d.CountryCode
	if country == "" {
		country = threat.UnknownCountry
	}

	tags := []string{}
	seen := map[string]bool{}
	if d.UsageType != "" && d.UsageType != "Unknown" {
		tags = append(tags, d.UsageType)
		seen[d.UsageType] = true
	}
	for _, r := range d.Reports {
		for _, id := range r.Categories {
			name, ok := abuseCategories[id]
			if !ok || seen[name] {
				continue
			}
			seen[name] = true
			tags = append(tags, name)
		}
	}

	return threat.ProviderResult{
		Source:      AbuseIPDBName,
		Scope:       common.KindIP,
		ThreatScore: score,
		Confidence:  score,
		Detections:  reports,
		Country:     country,
		Tags:        tags,
		Raw:         json.RawMessage(raw),
		CheckedAt:   time.Now().UTC(),
	}
}

var _ threat.Provider = (*AbuseIPDB)(nil)
