package exec

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EIP-712 ORDER SIGNING - Polymarket CTF Exchange
// ═══════════════════════════════════════════════════════════════════════════════
//
//   BUY:  makerAmount = stake (USDC, truncated to cents)
//         takerAmount = stake / price (shares, truncated to 4 dp)
//
// Both amounts are in 6-decimal token units.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Polygon mainnet contracts
const (
	PolygonChainID     = 137
	CTFExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	zeroAddress        = "0x0000000000000000000000000000000000000000"
)

// Signature types
const (
	SignatureTypeEOA        = 0
	SignatureTypePolyProxy  = 1
	SignatureTypeGnosisSafe = 2
)

const sideBuy = 0

var tokenUnit = decimal.New(1, 6)

// CTFOrder is an unsigned exchange order
type CTFOrder struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// SignedOrder is an order with its hex signature
type SignedOrder struct {
	Order     *CTFOrder
	Signature string
}

// OrderSigner builds and signs buy orders
type OrderSigner struct {
	key           *ecdsa.PrivateKey
	signer        common.Address
	funder        common.Address
	chainID       int64
	exchange      common.Address
	signatureType int
	feeRateBps    int64
}

// NewOrderSigner creates a signer. A zero funder means the signer holds the funds.
func NewOrderSigner(key *ecdsa.PrivateKey, funder common.Address, signatureType int, feeRateBps int64) *OrderSigner {
	return &OrderSigner{
		key:           key,
		signer:        crypto.PubkeyToAddress(key.PublicKey),
		funder:        funder,
		chainID:       PolygonChainID,
		exchange:      common.HexToAddress(CTFExchangeAddress),
		signatureType: signatureType,
		feeRateBps:    feeRateBps,
	}
}

// Address returns the signing address
func (s *OrderSigner) Address() common.Address {
	return s.signer
}

// BuildBuy creates an unsigned order spending stake USDC at price
func (s *OrderSigner) BuildBuy(tokenID string, stake, price decimal.Decimal) (*CTFOrder, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("token id %q is not a decimal integer", tokenID)
	}
	if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("price %s outside (0,1)", price.String())
	}
	usdc := stake.Truncate(2)
	shares := usdc.Div(price).Truncate(4)
	if !usdc.IsPositive() || !shares.IsPositive() {
		return nil, fmt.Errorf("stake %s too small", stake.String())
	}

	maker := s.funder
	if maker == (common.Address{}) {
		maker = s.signer
	}
	return &CTFOrder{
		Salt:          big.NewInt(rand.Int63()),
		Maker:         maker,
		Signer:        s.signer,
		Taker:         common.HexToAddress(zeroAddress),
		TokenID:       id,
		MakerAmount:   usdc.Mul(tokenUnit).BigInt(),
		TakerAmount:   shares.Mul(tokenUnit).BigInt(),
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(s.feeRateBps),
		Side:          sideBuy,
		SignatureType: uint8(s.signatureType),
	}, nil
}

// Sign produces the EIP-712 signature with V in {27, 28}
func (s *OrderSigner) Sign(order *CTFOrder) (*SignedOrder, error) {
	hash, err := s.Hash(order)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return &SignedOrder{Order: order, Signature: fmt.Sprintf("0x%x", sig)}, nil
}

// Hash returns keccak256("\x19\x01" ‖ domainSeparator ‖ structHash)
func (s *OrderSigner) Hash(order *CTFOrder) ([]byte, error) {
	typed := s.typedData(order)
	domain, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	message, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, fmt.Errorf("hash order: %w", err)
	}
	raw := append([]byte("\x19\x01"), domain...)
	raw = append(raw, message...)
	return crypto.Keccak256(raw), nil
}

func (s *OrderSigner) typedData(order *CTFOrder) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(s.chainID),
			VerifyingContract: s.exchange.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt.String(),
			"maker":         order.Maker.Hex(),
			"signer":        order.Signer.Hex(),
			"taker":         order.Taker.Hex(),
			"tokenId":       order.TokenID.String(),
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration.String(),
			"nonce":         order.Nonce.String(),
			"feeRateBps":    order.FeeRateBps.String(),
			"side":          fmt.Sprintf("%d", order.Side),
			"signatureType": fmt.Sprintf("%d", order.SignatureType),
		},
	}
}

// payload is the POST /order body; the owner is the API key
func (o *SignedOrder) payload(owner, orderType string) map[string]interface{} {
	return map[string]interface{}{
		"order": map[string]interface{}{
			"salt":          o.Order.Salt.Int64(),
			"maker":         o.Order.Maker.Hex(),
			"signer":        o.Order.Signer.Hex(),
			"taker":         o.Order.Taker.Hex(),
			"tokenId":       o.Order.TokenID.String(),
			"makerAmount":   o.Order.MakerAmount.String(),
			"takerAmount":   o.Order.TakerAmount.String(),
			"expiration":    o.Order.Expiration.String(),
			"nonce":         o.Order.Nonce.String(),
			"feeRateBps":    o.Order.FeeRateBps.String(),
			"side":          "BUY",
			"signatureType": int(o.Order.SignatureType),
			"signature":     o.Signature,
		},
		"owner":     owner,
		"orderType": orderType,
		"postOnly":  false,
	}
}
