package exec

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Places EIP-712 signed buy orders on the CLOB with L2 (HMAC) request auth.
// Failures are classified so callers can tell transport problems from
// credential problems from an empty wallet.
//
// ═══════════════════════════════════════════════════════════════════════════════

const PolymarketCLOB = "https://clob.polymarket.com"

var (
	// ErrNetwork covers transport failures, timeouts and 5xx/429 responses
	ErrNetwork = errors.New("network error")

	// ErrAuth covers rejected credentials or signatures
	ErrAuth = errors.New("authentication error")

	// ErrInsufficientFunds means the wallet cannot cover the order
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRejected is any other order rejection
	ErrRejected = errors.New("order rejected")
)

// Config holds CLOB credentials and order settings
type Config struct {
	BaseURL       string
	PrivateKey    string // hex, without 0x
	FunderAddress string
	SignatureType int
	APIKey        string
	APISecret     string
	Passphrase    string
	OrderType     string // FOK, GTC or GTD
	FeeRateBps    int64
	Timeout       time.Duration
	DryRun        bool
}

// DefaultConfig returns fill-or-kill settings against the public CLOB
func DefaultConfig() Config {
	return Config{
		BaseURL:       PolymarketCLOB,
		SignatureType: SignatureTypeEOA,
		OrderType:     "FOK",
		FeeRateBps:    1000,
		Timeout:       10 * time.Second,
	}
}

// Client places orders
type Client struct {
	cfg        Config
	signer     *OrderSigner
	httpClient *http.Client
}

// NewClient creates a new execution client
func NewClient(cfg Config) (*Client, error) {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}

	if !cfg.DryRun {
		if cfg.PrivateKey == "" || cfg.APIKey == "" || cfg.APISecret == "" {
			return nil, fmt.Errorf("%w: live trading needs a private key and API credentials", ErrAuth)
		}
	}
	if cfg.PrivateKey != "" {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		var funder common.Address
		if cfg.FunderAddress != "" {
			if !common.IsHexAddress(cfg.FunderAddress) {
				return nil, fmt.Errorf("invalid funder address %q", cfg.FunderAddress)
			}
			funder = common.HexToAddress(cfg.FunderAddress)
		}
		c.signer = NewOrderSigner(pk, funder, cfg.SignatureType, cfg.FeeRateBps)
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	ev := log.Info().Str("mode", mode)
	if c.signer != nil {
		ev = ev.Str("address", c.signer.Address().Hex())
	}
	ev.Msg("🚀 Execution client initialized")

	return c, nil
}

// IsDryRun returns true if orders are only logged
func (c *Client) IsDryRun() bool {
	return c.cfg.DryRun
}

// PlaceOrder buys req.Size USDC of the outcome token at req.Price
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	if c.cfg.DryRun {
		orderID := "DRY_" + uuid.NewString()
		log.Info().
			Str("order_id", orderID).
			Str("side", string(req.Side)).
			Str("price", req.Price.StringFixed(2)).
			Str("size", req.Size.StringFixed(2)).
			Msg("📝 DRY RUN: Order would be placed")
		return orderID, nil
	}
	if c.signer == nil {
		return "", fmt.Errorf("%w: no signing key", ErrAuth)
	}

	order, err := c.signer.BuildBuy(req.TokenID, req.Size, req.Price)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	signed, err := c.signer.Sign(order)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}

	body, err := json.Marshal(signed.payload(c.cfg.APIKey, c.cfg.OrderType))
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}

	status, respBody, err := c.post(ctx, "/order", body)
	if err != nil {
		return "", err
	}

	var result struct {
		Success  bool   `json:"success"`
		OrderID  string `json:"orderID"`
		Status   string `json:"status"`
		ErrorMsg string `json:"errorMsg"`
		Error    string `json:"error"`
	}
	_ = json.Unmarshal(respBody, &result)

	msg := result.ErrorMsg
	if msg == "" {
		msg = result.Error
	}
	if err := classify(status, msg, respBody); err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", fmt.Errorf("%w: no order id in response: %s", ErrRejected, string(respBody))
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("status", result.Status).
		Msg("✅ Order placed")

	return result.OrderID, nil
}

// classify maps an HTTP status and error message onto the package errors
func classify(status int, msg string, body []byte) error {
	if msg == "" && status < 400 {
		return nil
	}
	detail := msg
	if detail == "" {
		detail = strings.TrimSpace(string(body))
	}
	lower := strings.ToLower(detail)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden,
		strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid signature"),
		strings.Contains(lower, "api key"):
		return fmt.Errorf("%w: HTTP %d: %s", ErrAuth, status, detail)
	case strings.Contains(lower, "not enough balance"), strings.Contains(lower, "insufficient"),
		strings.Contains(lower, "allowance"):
		return fmt.Errorf("%w: HTTP %d: %s", ErrInsufficientFunds, status, detail)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrNetwork, status, detail)
	}
	return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, status, detail)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	c.signL2(req, path, body, time.Now())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// transport failures of any kind, timeouts included
		return 0, nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}
	return resp.StatusCode, respBody, nil
}

// signL2 sets the POLY_* headers: HMAC-SHA256 over timestamp+method+path+body
func (c *Client) signL2(req *http.Request, path string, body []byte, now time.Time) {
	timestamp := strconv.FormatInt(now.Unix(), 10)

	secret, err := base64.URLEncoding.DecodeString(c.cfg.APISecret)
	if err != nil {
		secret, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(c.cfg.APISecret, "="))
		if err != nil {
			secret = []byte(c.cfg.APISecret)
		}
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + req.Method + path + string(body)))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_API_KEY", c.cfg.APIKey)
	req.Header.Set("POLY_SIGNATURE", base64.URLEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.cfg.Passphrase)
	if c.signer != nil {
		req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	}
}
