package ledgerrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fraudledger/internal/application"
)

// Client talks to the ledger gateway over JSON/HTTP. It carries network
// configuration only; submission side effects live on the ledger, and the
// exactly-once guarantee is enforced upstream by the alert recorder.
type Client struct {
	baseURL    string
	network    string
	signingKey string
	httpClient *http.Client
}

type Config struct {
	URL        string
	Network    string
	SigningKey string
	Timeout    time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("ledger url is required")
	}
	if cfg.Network == "" {
		cfg.Network = "preprod"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		network:    cfg.Network,
		signingKey: cfg.SigningKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type submitRequest struct {
	Network    string `json:"network"`
	SigningKey string `json:"signing_key,omitempty"`
	Metadata   string `json:"metadata"`
}

type submitResponse struct {
	TxHash      string    `json:"tx_hash"`
	TokenID     string    `json:"token_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type statusResponse struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height,omitempty"`
}

type referenceResponse struct {
	TxHash string `json:"tx_hash"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) Submit(ctx context.Context, metadata []byte) (application.SubmitResult, error) {
	if len(metadata) == 0 {
		return application.SubmitResult{}, fmt.Errorf("%w: empty metadata", application.ErrLedgerRejected)
	}

	body, err := json.Marshal(submitRequest{
		Network:    c.network,
		SigningKey: c.signingKey,
		Metadata:   base64.StdEncoding.EncodeToString(metadata),
	})
	if err != nil {
		return application.SubmitResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return application.SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return application.SubmitResult{}, fmt.Errorf("%w: %v", application.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return application.SubmitResult{}, c.submitError(resp)
	}

	var decoded submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return application.SubmitResult{}, fmt.Errorf("%w: decode response: %v", application.ErrLedgerUnavailable, err)
	}
	if decoded.TxHash == "" {
		return application.SubmitResult{}, fmt.Errorf("%w: response without tx_hash", application.ErrLedgerUnavailable)
	}
	submittedAt := decoded.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now().UTC()
	}
	return application.SubmitResult{
		TxHash:      decoded.TxHash,
		TokenID:     decoded.TokenID,
		SubmittedAt: submittedAt,
	}, nil
}

// submitError maps gateway responses onto the submission taxonomy: payload
// validation failures and funding problems are terminal, everything on the
// server side is transient.
func (c *Client) submitError(resp *http.Response) error {
	var detail errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&detail)
	message := detail.Message
	if message == "" {
		message = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired || detail.Code == "insufficient_funds":
		return fmt.Errorf("%w: %s", application.ErrInsufficientFunds, message)
	case detail.Code == "wallet_error" || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", application.ErrWalletError, message)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %s", application.ErrLedgerRejected, message)
	default:
		return fmt.Errorf("%w: status %d: %s", application.ErrLedgerUnavailable, resp.StatusCode, message)
	}
}

// QueryStatus reports the confirmation state of a submitted transaction. A
// hash the network has not indexed yet is still pending, not an error.
func (c *Client) QueryStatus(ctx context.Context, txHash string) (application.LedgerStatus, error) {
	if txHash == "" {
		return application.LedgerStatus{}, errors.New("tx hash is required")
	}

	endpoint := fmt.Sprintf("%s/v1/transactions/%s/status", c.baseURL, url.PathEscape(txHash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return application.LedgerStatus{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return application.LedgerStatus{}, fmt.Errorf("%w: %v", application.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return application.LedgerStatus{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return application.LedgerStatus{}, fmt.Errorf("%w: status %d", application.ErrLedgerUnavailable, resp.StatusCode)
	}

	var decoded statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return application.LedgerStatus{}, fmt.Errorf("%w: decode response: %v", application.ErrLedgerUnavailable, err)
	}
	return application.LedgerStatus{
		Confirmed:   decoded.Confirmed,
		BlockHeight: decoded.BlockHeight,
	}, nil
}

// QueryByReference is a best-effort lookup by external reference; a missing
// match returns found=false rather than an error.
func (c *Client) QueryByReference(ctx context.Context, reference string) (string, bool, error) {
	if reference == "" {
		return "", false, nil
	}

	endpoint := fmt.Sprintf("%s/v1/transactions/by-reference?ref=%s", c.baseURL, url.QueryEscape(reference))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", application.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", false, fmt.Errorf("%w: status %d", application.ErrLedgerUnavailable, resp.StatusCode)
	}

	var decoded referenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", false, fmt.Errorf("%w: decode response: %v", application.ErrLedgerUnavailable, err)
	}
	if decoded.TxHash == "" {
		return "", false, nil
	}
	return decoded.TxHash, true, nil
}
