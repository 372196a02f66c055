package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotVisible means the mirror node does not know the transaction yet.
var ErrNotVisible = errors.New("transaction not yet visible")

// UnavailableError wraps transport failures and 5xx responses.
type UnavailableError struct {
	StatusCode int
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("mirror unavailable: status %d", e.StatusCode)
	}
	return fmt.Sprintf("mirror unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Transaction is the subset of the mirror transaction resource we read.
type Transaction struct {
	TransactionID      string          `json:"transaction_id"`
	Result             string          `json:"result"`
	ConsensusTimestamp string          `json:"consensus_timestamp"`
	TokenTransfers     []TokenTransfer `json:"token_transfers"`
}

type TokenTransfer struct {
	TokenID string `json:"token_id"`
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

// Final reports whether the mirror has reached consensus on the transaction.
func (t *Transaction) Final() bool {
	return t.ConsensusTimestamp != "" && t.Result != ""
}

type Token struct {
	TokenID  string `json:"token_id"`
	Decimals string `json:"decimals"`
}

// Client reads transactions from a mirror node REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Transaction fetches a transaction by its mirror-form id.
func (c *Client) Transaction(ctx context.Context, txID string) (*Transaction, error) {
	var body struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(txID), &body); err != nil {
		return nil, err
	}
	if len(body.Transactions) == 0 {
		return nil, ErrNotVisible
	}
	// scheduled and child records share the id; the first entry is the parent
	return &body.Transactions[0], nil
}

// Token fetches token metadata.
func (c *Client) Token(ctx context.Context, tokenID string) (*Token, error) {
	var tok Token
	if err := c.get(ctx, "/api/v1/tokens/"+url.PathEscape(tokenID), &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrNotVisible
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &UnavailableError{StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mirror %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode mirror %s: %w", path, err)
	}
	return nil
}
