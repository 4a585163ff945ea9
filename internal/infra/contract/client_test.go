package contract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

func TestRelayerClient_UpdateInvestigationMetadata(t *testing.T) {
	var got callRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/call", r.URL.Path)
		assert.Equal(t, "Bearer relay-key", r.Header.Get("Authorization"))
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"transaction_hash": "9xHash"})
	}))
	defer srv.Close()

	c := NewRelayerClient(Config{
		RelayerURL: srv.URL,
		APIKey:     "relay-key",
		NetworkID:  "testnet",
		ContractID: "investigation.testnet",
		SignerID:   "sleuth.testnet",
	})

	hash, err := c.UpdateInvestigationMetadata(context.Background(), domain.MetadataUpdate{
		TokenID:     "req-1",
		Description: "Investigation complete",
		Extra:       `{"status":"Completed"}`,
		WebhookType: "Completion",
	})
	require.NoError(t, err)
	assert.Equal(t, "9xHash", hash)

	assert.Equal(t, MethodUpdateMetadata, got.MethodName)
	assert.Equal(t, "investigation.testnet", got.ContractID)
	assert.Equal(t, DefaultGas, got.Gas)
	assert.Equal(t, DefaultDeposit, got.Deposit)
	assert.Equal(t, "req-1", got.Args.TokenID)
	assert.Equal(t, "Completion", got.Args.WebhookType)
	assert.Equal(t, `{"status":"Completed"}`, got.Args.MetadataUpdate.Extra)
}

func TestRelayerClient_ErrorIsDeliveryKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": "rpc timeout"})
	}))
	defer srv.Close()

	c := NewRelayerClient(Config{RelayerURL: srv.URL})
	_, err := c.UpdateInvestigationMetadata(context.Background(), domain.MetadataUpdate{TokenID: "req-1"})
	require.Error(t, err)
	assert.Equal(t, domain.KindDelivery, domain.KindOf(err))
	assert.Contains(t, err.Error(), "rpc timeout")
}

func TestRelayerClient_RequiresToken(t *testing.T) {
	c := NewRelayerClient(Config{RelayerURL: "http://127.0.0.1:1"})
	_, err := c.UpdateInvestigationMetadata(context.Background(), domain.MetadataUpdate{})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestLogClient(t *testing.T) {
	hash, err := LogClient{ContractID: "c.testnet"}.UpdateInvestigationMetadata(context.Background(), domain.MetadataUpdate{TokenID: "x"})
	assert.NoError(t, err)
	assert.Empty(t, hash)
}
