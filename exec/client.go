// Package exec is the low-level CLOB client used by the live execution
// gateway: it derives API credentials from the operator's signing key and
// posts signed orders to the venue (spec.md §6.3).
package exec

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vulture/scalper/types"
)

// Client talks to the venue's CLOB REST API over a signed session.
type Client struct {
	baseURL    string
	privateKey *ecdsa.PrivateKey
	address    string

	credMu     sync.Mutex
	apiKey     string
	apiSecret  string
	passphrase string
	haveCreds  bool

	httpClient *http.Client
}

// NewClient loads privateKeyHex and targets baseURL. Credentials are not
// derived yet; that happens lazily on first use (spec.md §6.3).
func NewClient(baseURL, privateKeyHex string) (*Client, error) {
	pk, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("exec: invalid signing key: %w", err)
	}

	c := &Client{
		baseURL:    baseURL,
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey).Hex(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	log.Info().Str("address", c.address).Msg("🚀 execution client initialized")
	return c, nil
}

// Address returns the wallet address derived from the signing key.
func (c *Client) Address() string { return c.address }

// ensureCredentials derives API credentials from the signing key the first
// time any endpoint needs them. A mutex makes this idempotent under
// concurrent callers (spec.md §4.5: "a mutex prevents concurrent credential
// derivation").
func (c *Client) ensureCredentials() error {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	if c.haveCreds {
		return nil
	}

	nonce := fmt.Sprintf("%d", time.Now().UnixNano())
	hash := crypto.Keccak256([]byte(c.address + nonce))
	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return fmt.Errorf("exec: derive credentials: %w", err)
	}

	c.apiKey = hexutil.Encode(hash)[:34]
	c.apiSecret = hexutil.Encode(sig)
	c.passphrase = nonce
	c.haveCreds = true
	return nil
}

// orderPayload is the wire shape for a signed order.
type orderPayload struct {
	TokenID    string `json:"tokenID"`
	Side       string `json:"side"`
	Price      string `json:"price,omitempty"`
	Size       string `json:"size,omitempty"`
	Amount     string `json:"amount,omitempty"`
	TIF        string `json:"tif"`
	FeeRateBps string `json:"feeRateBps"`
	Nonce      int64  `json:"nonce"`
	Signature  string `json:"signature"`
}

// PlaceOrder submits a signed order and returns the venue's order id.
func (c *Client) PlaceOrder(tokenID string, side types.Side, tif types.TimeInForce, price, size, amount decimal.Decimal) (string, error) {
	if err := c.ensureCredentials(); err != nil {
		return "", err
	}

	payload := orderPayload{
		TokenID:    tokenID,
		Side:       string(side),
		TIF:        string(tif),
		FeeRateBps: "0",
		Nonce:      time.Now().UnixNano(),
	}
	if !price.IsZero() {
		payload.Price = price.String()
	}
	if !size.IsZero() {
		payload.Size = size.String()
	}
	if !amount.IsZero() {
		payload.Amount = amount.String()
	}

	sig, err := c.sign(payload)
	if err != nil {
		return "", fmt.Errorf("exec: sign order: %w", err)
	}
	payload.Signature = sig

	resp, err := c.post("/order", payload)
	if err != nil {
		return "", fmt.Errorf("exec: place order: %w", err)
	}

	var out struct {
		OrderID string `json:"orderID"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("exec: decode place-order response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("exec: venue rejected order: %s", out.Error)
	}
	return out.OrderID, nil
}

// CancelOrder cancels a single resting order.
func (c *Client) CancelOrder(orderID string) error {
	if err := c.ensureCredentials(); err != nil {
		return err
	}
	_, err := c.delete("/order/" + orderID)
	if err != nil {
		return fmt.Errorf("exec: cancel order %s: %w", orderID, err)
	}
	return nil
}

// CancelAll cancels every open order on the account with a single
// cancel-all request (DELETE /orders); it is not scoped to one market and
// does not enumerate orders first.
func (c *Client) CancelAll() error {
	if err := c.ensureCredentials(); err != nil {
		return err
	}
	_, err := c.delete("/orders")
	if err != nil {
		return fmt.Errorf("exec: cancel all: %w", err)
	}
	return nil
}

// OpenOrders enumerates currently-resting orders at the venue.
func (c *Client) OpenOrders() ([]types.Order, error) {
	if err := c.ensureCredentials(); err != nil {
		return nil, err
	}
	resp, err := c.get("/orders?status=live")
	if err != nil {
		return nil, fmt.Errorf("exec: list open orders: %w", err)
	}

	var raw []struct {
		ID      string          `json:"id"`
		TokenID string          `json:"asset_id"`
		Price   decimal.Decimal `json:"price"`
		Size    decimal.Decimal `json:"original_size"`
		Side    string          `json:"side"`
	}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("exec: decode open orders: %w", err)
	}

	out := make([]types.Order, len(raw))
	for i, o := range raw {
		out[i] = types.Order{
			ID:      o.ID,
			TokenID: o.TokenID,
			Side:    types.Side(o.Side),
			Price:   o.Price,
			Size:    o.Size,
			Status:  types.OrderPending,
		}
	}
	return out, nil
}

func (c *Client) sign(payload orderPayload) (string, error) {
	body, _ := json.Marshal(payload)
	hash := crypto.Keccak256(body)
	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

func (c *Client) get(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.do(req)
}

func (c *Client) post(path string, body any) ([]byte, error) {
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.do(req)
}

func (c *Client) delete(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.do(req)
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)
	req.Header.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", time.Now().Unix()))
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
