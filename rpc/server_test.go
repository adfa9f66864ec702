package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"orbitmarket/core"
	"orbitmarket/storage"
)

func addrHex(fill byte) string {
	return "0x" + strings.Repeat(fmt.Sprintf("%02x", fill), 20)
}

var (
	buyerHex    = addrHex(0x01)
	sellerHex   = addrHex(0x02)
	treasuryFil = byte(0xEE)
)

func newTestServer(t *testing.T, token string) (*Server, *httptest.Server) {
	t.Helper()
	var treasury [20]byte
	for i := range treasury {
		treasury[i] = treasuryFil
	}
	node := core.NewNode(storage.NewMemDB(), treasury)
	srv := New(Config{Node: node, APIToken: token})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url, token string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	var body *bytes.Buffer = bytes.NewBuffer(nil)
	if payload != nil {
		require.NoError(t, json.NewEncoder(body).Encode(payload))
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	decoded := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func seedViaAPI(t *testing.T, ts *httptest.Server, token string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/admin/listings", token, map[string]any{
		"seller":   sellerHex,
		"price":    "1000000",
		"currency": "ORB",
		"quantity": 2,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	listingID, ok := body["id"].(string)
	require.True(t, ok)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/admin/accounts", token, map[string]any{
		"address":     buyerHex,
		"balance_orb": "5000000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return listingID
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, "")
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestBearerAuth(t *testing.T) {
	_, ts := newTestServer(t, "secret")

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/market/events", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/market/events", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/market/events", "secret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open for probes.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, "")
	listingID := seedViaAPI(t, ts, "")

	resp, opened := doJSON(t, http.MethodPost, ts.URL+"/v1/market/open", "", map[string]any{
		"buyer":      buyerHex,
		"seller":     sellerHex,
		"listing_id": listingID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	txID, ok := opened["id"].(string)
	require.True(t, ok)
	require.Equal(t, "opened", opened["state"])
	require.Equal(t, "1000000", opened["price"])

	base := ts.URL + "/v1/market/tx/" + txID
	steps := []struct {
		path    string
		payload map[string]any
	}{
		{"/fund", map[string]any{"caller": buyerHex}},
		{"/ship", map[string]any{"caller": sellerHex, "payload": "0xdeadbeef"}},
		{"/confirm-delivery", map[string]any{"caller": buyerHex}},
		{"/confirm-product", map[string]any{"caller": buyerHex}},
		{"/close", map[string]any{"caller": buyerHex}},
	}
	for _, step := range steps {
		resp, body := doJSON(t, http.MethodPost, base+step.path, "", step.payload)
		require.Equal(t, http.StatusOK, resp.StatusCode, "step %s: %v", step.path, body)
	}

	resp, review := doJSON(t, http.MethodPost, base+"/review", "", map[string]any{
		"reviewer": buyerHex,
		"rating":   5,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "%v", review)

	resp, final := doJSON(t, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "closed", final["state"])

	resp, seller := doJSON(t, http.MethodGet, ts.URL+"/v1/market/accounts/"+sellerHex, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "950000", seller["balance_orb"])

	resp, listing := doJSON(t, http.MethodGet, ts.URL+"/v1/market/listings/"+listingID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), listing["quantity"])
	require.Equal(t, float64(1), listing["times_sold"])
}

func TestDisputeOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, "")
	listingID := seedViaAPI(t, ts, "")

	resp, opened := doJSON(t, http.MethodPost, ts.URL+"/v1/market/open", "", map[string]any{
		"buyer":      buyerHex,
		"seller":     sellerHex,
		"listing_id": listingID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	txID := opened["id"].(string)
	base := ts.URL + "/v1/market/tx/" + txID

	resp, _ = doJSON(t, http.MethodPost, base+"/fund", "", map[string]any{"caller": buyerHex})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, base+"/dispute", "", map[string]any{
		"opener":    buyerHex,
		"threshold": 3,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// A second dispute open conflicts with the frozen state.
	resp, _ = doJSON(t, http.MethodPost, base+"/dispute", "", map[string]any{
		"opener":    sellerHex,
		"threshold": 3,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, record := doJSON(t, http.MethodGet, base+"/dispute", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "open", record["state"])

	resp, _ = doJSON(t, http.MethodPost, base+"/dispute/resolve", "", map[string]any{"favor": buyerHex})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, base+"/dispute/close", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, final := doJSON(t, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "closed", final["state"])

	// The consumed dispute record is gone.
	resp, _ = doJSON(t, http.MethodGet, base+"/dispute", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	_, ts := newTestServer(t, "")

	unknownTx := "0x" + strings.Repeat("ab", 32)
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/market/tx/"+unknownTx+"/fund", "", map[string]any{
		"caller": buyerHex,
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, body["error"], "transaction not found")

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/market/tx/nothex/fund", "", map[string]any{
		"caller": buyerHex,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/market/open", "", map[string]any{
		"buyer":      buyerHex,
		"seller":     sellerHex,
		"listing_id": unknownTx,
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPauseEndpoint(t *testing.T) {
	_, ts := newTestServer(t, "")
	listingID := seedViaAPI(t, ts, "")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/admin/pause", "", map[string]any{
		"module": "market",
		"paused": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/market/open", "", map[string]any{
		"buyer":      buyerHex,
		"seller":     sellerHex,
		"listing_id": listingID,
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
