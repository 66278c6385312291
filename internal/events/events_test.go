package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctiengine/internal/common"
	"ctiengine/internal/threat"
)

type capture struct {
	msgs []*nats.Msg
	err  error
}

func (c *capture) PublishMsg(m *nats.Msg) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func TestNATSPublishesBySubjectAndStatus(t *testing.T) {
	sink := &capture{}
	p := &NATS{pub: sink, subject: "cti.verdicts"}

	rec := threat.NewRecord("1.2.3.4", common.KindIP, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	rec.Merge([]threat.ProviderResult{{Source: "virustotal", ThreatScore: 90, Tags: []string{"malware"}}}, nil, rec.CreatedAt)

	require.NoError(t, p.Publish(context.Background(), FromRecord(rec)))
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "cti.verdicts.malicious", sink.msgs[0].Subject)

	var ev VerdictEvent
	require.NoError(t, json.Unmarshal(sink.msgs[0].Data, &ev))
	assert.Equal(t, "1.2.3.4", ev.Identifier)
	assert.Equal(t, 90, ev.ThreatScore)
	assert.Equal(t, []string{"malware"}, ev.Tags)
	assert.NoError(t, p.Close())
}

func TestNATSPublishError(t *testing.T) {
	p := &NATS{pub: &capture{err: nats.ErrConnectionClosed}, subject: "cti"}
	err := p.Publish(context.Background(), VerdictEvent{Status: common.StatusClean})
	require.Error(t, err)
	assert.True(t, errors.Is(err, nats.ErrConnectionClosed))
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish(context.Background(), VerdictEvent{}))
	assert.NoError(t, p.Close())
}
