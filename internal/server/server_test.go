package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"ctiengine/internal/common"
	"ctiengine/internal/engine"
	"ctiengine/internal/store"
	"ctiengine/internal/threat"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "virustotal" }

func (stubProvider) CheckIP(ctx context.Context, ip string) threat.ProviderResult {
	return threat.ProviderResult{ThreatScore: 85, Confidence: 40, Country: "NL", Tags: []string{"malware"}}
}

func (p stubProvider) CheckDomain(ctx context.Context, domain string) threat.ProviderResult {
	return threat.ProviderResult{Tags: []string{}}
}

type downStore struct{ store.Store }

func (downStore) Count(context.Context) (int, error) {
	return 0, errors.New("connection refused")
}

func (downStore) Upsert(context.Context, string, common.Kind, []threat.ProviderResult) (threat.ThreatRecord, error) {
	return threat.ThreatRecord{}, store.ErrStoreUnavailable
}

func newTestServer(t *testing.T, st store.Store) *Server {
	t.Helper()
	orch := engine.NewOrchestrator(st)
	orch.Register(stubProvider{})
	return New(engine.NewService(orch, st), nil)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestLookupEndpoint(t *testing.T) {
	h := newTestServer(t, store.NewMemory(store.Options{})).Router()

	rr := do(t, h, http.MethodPost, "/api/lookup", map[string]string{"query": "5.6.7.8"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var got lookupResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "5.6.7.8", got.Query)
	assert.Equal(t, common.KindIP, got.Type)
	assert.Equal(t, 85, got.ThreatScore)
	assert.Equal(t, "NL", got.Country)
	assert.Equal(t, common.StatusMalicious, got.Status)
	assert.NotEmpty(t, got.RecordID)
	require.Len(t, got.Providers, 1)
	assert.Equal(t, "virustotal", got.Providers[0].Source)
}

func TestLookupEndpointRejectsBadInput(t *testing.T) {
	h := newTestServer(t, store.NewMemory(store.Options{})).Router()

	rr := do(t, h, http.MethodPost, "/api/lookup", map[string]string{"query": ""})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/lookup", map[string]string{"query": "no spaces allowed"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/lookup", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTagEndpoint(t *testing.T) {
	h := newTestServer(t, store.NewMemory(store.Options{})).Router()

	rr := do(t, h, http.MethodPost, "/api/tag", map[string]string{"query": "5.6.7.8", "tag": "watchlist"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/tag", map[string]string{"query": "5.6.7.8"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/lookup", map[string]string{"query": "5.6.7.8"}).Code)

	rr = do(t, h, http.MethodPost, "/api/tag", map[string]string{"query": "5.6.7.8", "tag": "watchlist"})
	require.Equal(t, http.StatusOK, rr.Code)
	var got tagResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.True(t, got.Success)
	assert.Equal(t, []string{"malware", "watchlist"}, got.Tags)
}

func TestStatsAndFeedsEndpoints(t *testing.T) {
	h := newTestServer(t, store.NewMemory(store.Options{})).Router()
	for _, q := range []string{"5.6.7.8", "9.9.9.9", "clean.example"} {
		require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/lookup", map[string]string{"query": q}).Code)
	}

	rr := do(t, h, http.MethodGet, "/api/dashboard/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats engine.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Total)
	assert.Len(t, stats.TopMaliciousIPs, 2)
	assert.Equal(t, 2, stats.CategoryCounts["malware"])

	rr = do(t, h, http.MethodGet, "/api/feeds?limit=2&skip=0", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var feed feedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &feed))
	assert.Equal(t, 2, feed.Count)
	assert.Equal(t, 3, feed.Total)

	rr = do(t, h, http.MethodGet, "/api/feeds?limit=abc", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &feed))
	assert.Equal(t, engine.DefaultPageSize, feed.Limit)
	assert.Equal(t, 3, feed.Count)
}

func TestStoreOutageMapsTo503(t *testing.T) {
	h := newTestServer(t, downStore{}).Router()

	rr := do(t, h, http.MethodPost, "/api/lookup", map[string]string{"query": "5.6.7.8"})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/dashboard/stats", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHealthAndUnknownRoute(t *testing.T) {
	h := newTestServer(t, store.NewMemory(store.Options{})).Router()
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/nope", nil).Code)
}

func dialBufconn(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()
	ln := bufconn.Listen(1 << 20)
	go func() { _ = srv.ServeGRPC(ln) }()
	t.Cleanup(srv.StopGRPC)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return ln.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCLookupAndTag(t *testing.T) {
	conn := dialBufconn(t, newTestServer(t, store.NewMemory(store.Options{})))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{"query": "5.6.7.8"})
	require.NoError(t, err)
	resp := &structpb.Struct{}
	require.NoError(t, conn.Invoke(ctx, grpcMethodLookup, req, resp))
	assert.Equal(t, "malicious", resp.GetFields()["status"].GetStringValue())
	assert.Equal(t, float64(85), resp.GetFields()["threat_score"].GetNumberValue())

	tagReq, err := structpb.NewStruct(map[string]any{"query": "5.6.7.8", "tag": "c2"})
	require.NoError(t, err)
	tagResp := &structpb.Struct{}
	require.NoError(t, conn.Invoke(ctx, grpcMethodTag, tagReq, tagResp))
	tags := tagResp.GetFields()["tags"].GetListValue().AsSlice()
	assert.Equal(t, []any{"malware", "c2"}, tags)

	statsResp := &structpb.Struct{}
	require.NoError(t, conn.Invoke(ctx, grpcMethodStats, &structpb.Struct{}, statsResp))
	assert.Equal(t, float64(1), statsResp.GetFields()["total_threats"].GetNumberValue())
}

func TestGRPCErrorCodes(t *testing.T) {
	conn := dialBufconn(t, newTestServer(t, store.NewMemory(store.Options{})))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := conn.Invoke(ctx, grpcMethodLookup, &structpb.Struct{}, &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	req, _ := structpb.NewStruct(map[string]any{"query": "1.2.3.4", "tag": "x"})
	err = conn.Invoke(ctx, grpcMethodTag, req, &structpb.Struct{})
	assert.Equal(t, codes.NotFound, status.Code(err))
}
