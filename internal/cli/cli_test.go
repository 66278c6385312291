package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("VT_API_KEY", "")
	t.Setenv("ABUSEIPDB_KEY", "")
	t.Setenv("CTI_STORE_BACKEND", "")
	t.Setenv("CTI_STORE_PATH", "")
	t.Setenv("CTI_NATS_URL", "")

	dir := t.TempDir()
	cfg := "store:\n  backend: sqlite\n  path: " + filepath.Join(dir, "records.sqlite") + "\n" +
		"refresh:\n  seeds: [\"9.9.9.9\"]\n" +
		"logging:\n  level: error\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot("test")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLookupTagAndRecords(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "lookup", "1.2.3.4")
	require.NoError(t, err)
	var res struct {
		Record struct {
			Identifier string `json:"identifier"`
			Verdict    struct {
				Status string `json:"status"`
			} `json:"verdict"`
		} `json:"record"`
		Results []struct {
			Source    string `json:"source"`
			ErrorKind string `json:"error_kind"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "1.2.3.4", res.Record.Identifier)
	assert.Equal(t, "clean", res.Record.Verdict.Status)
	require.Len(t, res.Results, 2)
	for _, r := range res.Results {
		assert.Equal(t, "unavailable", r.ErrorKind, r.Source)
	}

	out, err = run(t, "--config", cfg, "tag", "1.2.3.4", "watchlist")
	require.NoError(t, err)
	assert.Contains(t, out, "watchlist")

	out, err = run(t, "--config", cfg, "records", "--limit", "5")
	require.NoError(t, err)
	var page struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 5, page.Limit)

	out, err = run(t, "--config", cfg, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"total_threats": 1`)
}

func TestSeedCommandRunsOneTick(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "seed")
	require.NoError(t, err)
	assert.Contains(t, out, `"fetched": 1`)

	out, err = run(t, "--config", cfg, "seed")
	require.NoError(t, err)
	assert.Contains(t, out, `"skipped": 1`)
}

func TestCommandErrors(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "--config", cfg, "tag", "8.8.4.4", "x")
	require.Error(t, err)

	_, err = run(t, "--config", cfg, "lookup", "bad query/")
	require.Error(t, err)

	_, err = run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "stats")
	require.Error(t, err)
}
