// Package protocol speaks to the lending protocol's contracts: the three
// risk-parameter reads, the settlement-token allowance surface, and the
// liquidation invocation itself. Writes are signed locally and submitted
// fire-and-forget; nothing here waits for confirmation.
package protocol

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"loanwarden/internal/fixedpoint"
)

const (
	settingsABIJSON = `[
{"inputs":[],"name":"get_weth_liquidation_ratio","outputs":[{"internalType":"uint256","name":"ratio","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"get_grace_period","outputs":[{"internalType":"uint256","name":"period","type":"uint256"}],"stateMutability":"view","type":"function"}]`

	oracleABIJSON = `[
{"inputs":[],"name":"get_oracle_price","outputs":[{"internalType":"uint256","name":"price","type":"uint256"}],"stateMutability":"view","type":"function"}]`

	loansABIJSON = `[
{"inputs":[{"internalType":"address","name":"user","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"liquidate_loan","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

	tokenABIJSON = `[
{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"spender","type":"address"}],"name":"allowance","outputs":[{"internalType":"uint256","name":"remaining","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"addedValue","type":"uint256"}],"name":"increaseAllowance","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}]`
)

var (
	settingsABI abi.ABI
	oracleABI   abi.ABI
	loansABI    abi.ABI
	tokenABI    abi.ABI
)

func init() {
	for _, entry := range []struct {
		raw string
		dst *abi.ABI
	}{
		{settingsABIJSON, &settingsABI},
		{oracleABIJSON, &oracleABI},
		{loansABIJSON, &loansABI},
		{tokenABIJSON, &tokenABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(entry.raw))
		if err != nil {
			panic("failed to parse protocol ABI: " + err.Error())
		}
		*entry.dst = parsed
	}
}

// Options parameterise the protocol client.
type Options struct {
	RPCURL     string
	ChainID    int64
	PrivateKey string
	FeeCapWei  string
	GasLimit   uint64
	Timeout    time.Duration

	SettingsAddress string
	OracleAddress   string
	LoansAddress    string
	TokenAddress    string
	SpenderAddress  string
}

// Client provides the protocol RPC surface over an Ethereum endpoint.
type Client struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	key     *ecdsa.PrivateKey
	from    common.Address
	feeCap  *big.Int
	chainID *big.Int
}

// New builds a protocol client. The signing key is optional; read-only
// use (show/export commands) never needs it, and writes fail with a clear
// error when it is absent.
func New(opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("chain.rpc_url not configured")
	}

	c := &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "protocol").Logger(),
		chainID: big.NewInt(opts.ChainID),
	}

	if opts.FeeCapWei != "" {
		feeCap, ok := new(big.Int).SetString(opts.FeeCapWei, 10)
		if !ok {
			return nil, fmt.Errorf("chain.fee_cap_wei %q is not an integer", opts.FeeCapWei)
		}
		c.feeCap = feeCap
	}

	if opts.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse chain.private_key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// Signer returns the address transactions are signed with.
func (c *Client) Signer() common.Address {
	return c.from
}

// LiquidationRatio reads the WETH liquidation ratio (8-decimal fixed point).
func (c *Client) LiquidationRatio(ctx context.Context) (decimal.Decimal, error) {
	out, err := c.callUint(ctx, c.opts.SettingsAddress, settingsABI, "get_weth_liquidation_ratio")
	if err != nil {
		return decimal.Decimal{}, err
	}
	return fixedpoint.FromBig8(out), nil
}

// GracePeriod reads the post-maturity grace period in seconds
// (8-decimal fixed point).
func (c *Client) GracePeriod(ctx context.Context) (decimal.Decimal, error) {
	out, err := c.callUint(ctx, c.opts.SettingsAddress, settingsABI, "get_grace_period")
	if err != nil {
		return decimal.Decimal{}, err
	}
	return fixedpoint.FromBig8(out), nil
}

// OraclePrice reads the current collateral price (18-decimal fixed point).
func (c *Client) OraclePrice(ctx context.Context) (decimal.Decimal, error) {
	out, err := c.callUint(ctx, c.opts.OracleAddress, oracleABI, "get_oracle_price")
	if err != nil {
		return decimal.Decimal{}, err
	}
	return fixedpoint.FromBig18(out), nil
}

// Allowance reads the signer's remaining settlement-token allowance for
// the protocol core.
func (c *Client) Allowance(ctx context.Context) (decimal.Decimal, error) {
	out, err := c.callUint(ctx, c.opts.TokenAddress, tokenABI, "allowance",
		c.from, common.HexToAddress(c.opts.SpenderAddress))
	if err != nil {
		return decimal.Decimal{}, err
	}
	return fixedpoint.FromBig18(out), nil
}

// LiquidateLoan submits the liquidation transaction for one account and
// returns the transaction hash.
func (c *Client) LiquidateLoan(ctx context.Context, account string, amount decimal.Decimal) (string, error) {
	payload, err := loansABI.Pack("liquidate_loan", common.HexToAddress(account), fixedpoint.ToBig8(amount))
	if err != nil {
		return "", fmt.Errorf("pack liquidate_loan: %w", err)
	}
	return c.submit(ctx, c.opts.LoansAddress, payload)
}

// IncreaseAllowance tops up the protocol core's settlement-token
// allowance and returns the transaction hash.
func (c *Client) IncreaseAllowance(ctx context.Context, amount decimal.Decimal) (string, error) {
	payload, err := tokenABI.Pack("increaseAllowance",
		common.HexToAddress(c.opts.SpenderAddress), fixedpoint.ToBig18(amount))
	if err != nil {
		return "", fmt.Errorf("pack increaseAllowance: %w", err)
	}
	return c.submit(ctx, c.opts.TokenAddress, payload)
}

func (c *Client) callUint(ctx context.Context, contract string, parsed abi.ABI, method string, args ...any) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	addr := common.HexToAddress(contract)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := parsed.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response arity %d", method, len(outputs))
	}

	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode %s output", method)
	}
	return value, nil
}

func (c *Client) submit(ctx context.Context, contract string, payload []byte) (string, error) {
	if c.key == nil {
		return "", errors.New("chain.private_key not configured; cannot submit transactions")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return "", err
	}

	nonce, err := client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	if c.feeCap != nil && gasPrice.Cmp(c.feeCap) > 0 {
		gasPrice = c.feeCap
	}

	to := common.HexToAddress(contract)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      c.opts.GasLimit,
		GasPrice: gasPrice,
		Data:     payload,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	hash := signed.Hash().Hex()
	c.logger.Info().Str("to", contract).Str("tx", hash).Msg("transaction submitted")
	return hash, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}
