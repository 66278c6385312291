package threat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctiengine/internal/common"
)

func TestRecordMergeLatestWins(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := NewRecord("1.2.3.4", common.KindIP, t0)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, uint64(0), rec.Version)

	rec.Merge([]ProviderResult{ok("virustotal", 80, "malware"), ok("abuseipdb", 10)}, nil, t0)
	assert.Equal(t, common.StatusMalicious, rec.Verdict.Status)
	assert.Equal(t, uint64(1), rec.Version)

	failed := TransportFailure("virustotal", common.KindIP, assert.AnError)
	rec.Merge([]ProviderResult{failed}, nil, t0.Add(time.Hour))

	assert.True(t, rec.Results["virustotal"].Failed())
	assert.Equal(t, 10, rec.Verdict.ThreatScore)
	assert.Equal(t, common.StatusSuspicious, rec.Verdict.Status)
	assert.Equal(t, t0.Add(time.Hour), rec.UpdatedAt)
	assert.Equal(t, t0, rec.CreatedAt)
}

func TestRecordUpdatedAtNeverBeforeCreatedAt(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := NewRecord("example.com", common.KindDomain, t0)
	rec.Merge(nil, nil, t0.Add(-time.Hour))
	assert.Equal(t, t0, rec.UpdatedAt)
}

func TestRecordManualTagsSurviveRefusion(t *testing.T) {
	t0 := time.Now().UTC()
	rec := NewRecord("1.2.3.4", common.KindIP, t0)
	rec.Merge([]ProviderResult{ok("virustotal", 0)}, nil, t0)

	assert.True(t, rec.AddTag("investigating", t0))
	assert.False(t, rec.AddTag("investigating", t0))
	assert.Equal(t, []string{"investigating"}, rec.ManualTags)

	rec.Merge([]ProviderResult{ok("virustotal", 5, "scanner")}, nil, t0)
	assert.Equal(t, []string{"scanner", "investigating"}, rec.Verdict.Tags)
	assert.True(t, rec.HasTag("investigating"))
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := NewRecord("1.2.3.4", common.KindIP, time.Now())
	rec.Merge([]ProviderResult{ok("virustotal", 50, "botnet")}, nil, time.Now())
	rec.AddTag("x", time.Now())

	c := rec.Clone()
	c.Verdict.Tags[0] = "changed"
	c.ManualTags[0] = "changed"
	c.Results["virustotal"].Tags[0] = "changed"

	assert.Equal(t, "botnet", rec.Verdict.Tags[0])
	assert.Equal(t, "x", rec.ManualTags[0])
	assert.Equal(t, "botnet", rec.Results["virustotal"].Tags[0])
}
