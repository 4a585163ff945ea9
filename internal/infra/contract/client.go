// Package contract writes investigation metadata to the NEAR investigation
// contract through a transaction relayer.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

// MethodUpdateMetadata is the contract method invoked for every update.
const MethodUpdateMetadata = "update_investigation_metadata"

// Defaults for update_investigation_metadata calls.
const (
	DefaultGas     = "300000000000000"
	DefaultDeposit = "0"
)

// Config configures the relayer client.
type Config struct {
	RelayerURL string // Relayer base URL; calls go to {RelayerURL}/call
	APIKey     string // Optional bearer token for the relayer
	NetworkID  string // testnet | mainnet
	ContractID string // Investigation NFT contract account
	SignerID   string // Account the relayer signs as
	Gas        string
	Deposit    string // yoctoNEAR
	Timeout    time.Duration
}

// callRequest is the relayer's function-call body.
type callRequest struct {
	NetworkID  string   `json:"network_id"`
	ContractID string   `json:"contract_id"`
	SignerID   string   `json:"signer_id,omitempty"`
	MethodName string   `json:"method_name"`
	Args       callArgs `json:"args"`
	Gas        string   `json:"gas"`
	Deposit    string   `json:"deposit"`
}

type callArgs struct {
	TokenID        string         `json:"token_id"`
	MetadataUpdate metadataUpdate `json:"metadata_update"`
	WebhookType    string         `json:"webhook_type"`
}

type metadataUpdate struct {
	Description string `json:"description"`
	Extra       string `json:"extra"`
}

// RelayerClient submits contract calls to a relayer over HTTP.
type RelayerClient struct {
	cfg  Config
	http *resty.Client
}

// NewRelayerClient creates a relayer-backed contract client.
func NewRelayerClient(cfg Config) *RelayerClient {
	if cfg.Gas == "" {
		cfg.Gas = DefaultGas
	}
	if cfg.Deposit == "" {
		cfg.Deposit = DefaultDeposit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	h := resty.New().
		SetBaseURL(strings.TrimRight(cfg.RelayerURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		h.SetAuthToken(cfg.APIKey)
	}
	return &RelayerClient{cfg: cfg, http: h}
}

// UpdateInvestigationMetadata calls update_investigation_metadata and returns
// the transaction hash. Retries belong to the caller's job queue.
func (c *RelayerClient) UpdateInvestigationMetadata(ctx context.Context, m domain.MetadataUpdate) (string, error) {
	if m.TokenID == "" {
		return "", domain.Validation("contract call", errors.New("token_id is required"))
	}
	req := callRequest{
		NetworkID:  c.cfg.NetworkID,
		ContractID: c.cfg.ContractID,
		SignerID:   c.cfg.SignerID,
		MethodName: MethodUpdateMetadata,
		Args: callArgs{
			TokenID:        m.TokenID,
			MetadataUpdate: metadataUpdate{Description: m.Description, Extra: m.Extra},
			WebhookType:    m.WebhookType,
		},
		Gas:     c.cfg.Gas,
		Deposit: c.cfg.Deposit,
	}

	var out struct {
		TransactionHash string `json:"transaction_hash"`
		Error           string `json:"error"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/call")
	if err != nil {
		return "", domain.Delivery("contract call", err)
	}
	if !resp.IsSuccess() {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return "", domain.Delivery("contract call", fmt.Errorf("relayer status %d: %s", resp.StatusCode(), msg))
	}
	return out.TransactionHash, nil
}

// LogClient only logs calls. Used when no relayer is configured.
type LogClient struct {
	ContractID string
}

// UpdateInvestigationMetadata logs the call and reports success.
func (c LogClient) UpdateInvestigationMetadata(ctx context.Context, m domain.MetadataUpdate) (string, error) {
	log.Printf("[contract] %s.%s token=%s type=%s description=%q (no relayer configured)",
		c.ContractID, MethodUpdateMetadata, m.TokenID, m.WebhookType, m.Description)
	return "", nil
}
