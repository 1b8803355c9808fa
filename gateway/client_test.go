package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	requestpay "github.com/offblocks/requestpay/go"
)

func TestFetchTerms(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/payments/p1", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "p1",
			"destinationName": "acme",
			"gatewayWalletId": "0x9f8e7d6c5b4a39281706f5e4d3c2b1a098765432",
			"usdAmount": "10.00"
		}`))
	}))
	defer server.Close()

	client, err := NewClient(&Config{BaseURL: server.URL})
	require.NoError(t, err)

	terms, err := client.FetchTerms(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, "p1", terms.ID)
	assert.Equal(t, "acme", terms.DestinationName)
	assert.Equal(t, "0x9f8e7d6c5b4a39281706f5e4d3c2b1a098765432", terms.GatewayWalletID)
	assert.True(t, terms.USDAmount.Equal(decimal.RequireFromString("10.00")))
}

func TestFetchTerms_RejectsMalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing amount", `{"id":"p1","destinationName":"acme","gatewayWalletId":"0x9f8e7d6c5b4a39281706f5e4d3c2b1a098765432"}`},
		{"bad wallet id", `{"id":"p1","destinationName":"acme","gatewayWalletId":"not-an-address","usdAmount":"10.00"}`},
		{"numeric amount", `{"id":"p1","destinationName":"acme","gatewayWalletId":"0x9f8e7d6c5b4a39281706f5e4d3c2b1a098765432","usdAmount":10}`},
		{"empty id", `{"id":"","destinationName":"acme","gatewayWalletId":"0x9f8e7d6c5b4a39281706f5e4d3c2b1a098765432","usdAmount":"10.00"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, err := NewClient(&Config{BaseURL: server.URL})
			require.NoError(t, err)

			_, err = client.FetchTerms(context.Background(), "p1")
			assert.Error(t, err)
		})
	}
}

func TestFetchTerms_GatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewClient(&Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.FetchTerms(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, requestpay.HasCode(err, requestpay.ErrCodeGatewayUnreachable))
}

func TestFetchTerms_Unreachable(t *testing.T) {
	client, err := NewClient(&Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = client.FetchTerms(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, requestpay.HasCode(err, requestpay.ErrCodeGatewayUnreachable))
}

func TestReportCompletion(t *testing.T) {
	var gotBody map[string]string
	var gotIdempotencyKeys []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/payments/p1/submit", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotIdempotencyKeys = append(gotIdempotencyKeys, r.Header.Get("Idempotency-Key"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"submitted"}`))
	}))
	defer server.Close()

	client, err := NewClient(&Config{BaseURL: server.URL})
	require.NoError(t, err)

	report := requestpay.CompletionReport{
		PaymentID:     "p1",
		USDAmount:     decimal.RequireFromString("10.00"),
		PayerWalletID: "0xabc",
	}
	require.NoError(t, client.ReportCompletion(context.Background(), report))

	assert.Equal(t, "10.00", gotBody["usdAmount"])
	assert.Equal(t, "0xabc", gotBody["payerWalletId"])

	// A retried report carries the same idempotency key
	require.NoError(t, client.ReportCompletion(context.Background(), report))
	require.Len(t, gotIdempotencyKeys, 2)
	assert.NotEmpty(t, gotIdempotencyKeys[0])
	assert.Equal(t, gotIdempotencyKeys[0], gotIdempotencyKeys[1])
}

func TestReportCompletion_GatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(&Config{BaseURL: server.URL})
	require.NoError(t, err)

	err = client.ReportCompletion(context.Background(), requestpay.CompletionReport{
		PaymentID:     "p1",
		USDAmount:     decimal.RequireFromString("5.00"),
		PayerWalletID: "0xabc",
	})
	require.Error(t, err)
	assert.True(t, requestpay.HasCode(err, requestpay.ErrCodeGatewayUnreachable))
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)

	_, err = NewClient(&Config{})
	assert.Error(t, err)
}

func TestAuthProviderHeaders(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "p1",
			"destinationName": "acme",
			"gatewayWalletId": "0x9f8e7d6c5b4a39281706f5e4d3c2b1a098765432",
			"usdAmount": "1.00"
		}`))
	}))
	defer server.Close()

	client, err := NewClient(&Config{
		BaseURL:      server.URL,
		AuthProvider: staticAuth{"Authorization": "Bearer token"},
	})
	require.NoError(t, err)

	_, err = client.FetchTerms(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer token", gotAuth)
}

type staticAuth map[string]string

func (a staticAuth) GetAuthHeaders(ctx context.Context) (map[string]string, error) {
	return a, nil
}
