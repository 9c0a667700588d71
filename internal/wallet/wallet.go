// Package wallet reads and moves the agent's ERC-20 (USDC) balance over JSON-RPC.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tejzpr/agentmart/internal/config"
)

// USDC uses 6 decimals on every chain we deal with.
const tokenDecimals = 6

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var (
	ErrNotConfigured = errors.New("wallet private key not configured")
	ErrInvalidAmount = errors.New("transfer amount must be positive")
)

// Backend is the subset of the JSON-RPC client the wallet needs.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type Wallet struct {
	backend  Backend
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	address  common.Address
	token    common.Address
	chainID  *big.Int
	network  string
	explorer string
	logger   *zap.Logger
}

// Dial connects to the configured RPC node.
func Dial(ctx context.Context, cfg config.WalletConfig, logger *zap.Logger) (*Wallet, error) {
	if cfg.PrivateKey == "" {
		return nil, ErrNotConfigured
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial rpc %s", cfg.RPCURL)
	}
	return New(client, cfg, logger)
}

// New builds a wallet over an existing backend.
func New(backend Backend, cfg config.WalletConfig, logger *zap.Logger) (*Wallet, error) {
	if cfg.PrivateKey == "" {
		return nil, ErrNotConfigured
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse wallet private key")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, errors.Errorf("invalid token address %q", cfg.TokenAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse erc20 abi")
	}
	return &Wallet{
		backend:  backend,
		abi:      parsed,
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		token:    common.HexToAddress(cfg.TokenAddress),
		chainID:  big.NewInt(cfg.ChainID),
		network:  cfg.Network,
		explorer: cfg.ExplorerURL,
		logger:   logger.Named("wallet"),
	}, nil
}

func (w *Wallet) Address() common.Address {
	return w.address
}

// Balance returns the wallet's own token balance.
func (w *Wallet) Balance(ctx context.Context) (decimal.Decimal, error) {
	return w.BalanceOf(ctx, w.address)
}

func (w *Wallet) BalanceOf(ctx context.Context, owner common.Address) (decimal.Decimal, error) {
	data, err := w.abi.Pack("balanceOf", owner)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "pack balanceOf")
	}
	raw, err := w.backend.CallContract(ctx, ethereum.CallMsg{To: &w.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "call balanceOf")
	}
	out, err := w.abi.Unpack("balanceOf", raw)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "unpack balanceOf")
	}
	if len(out) == 0 {
		return decimal.Zero, errors.New("empty balanceOf result")
	}
	units, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, errors.Errorf("unexpected balanceOf result type %T", out[0])
	}
	return FromBaseUnits(units), nil
}

// Transfer signs and submits an EIP-1559 token transfer and returns the
// transaction hash. It does not wait for inclusion.
func (w *Wallet) Transfer(ctx context.Context, to common.Address, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	data, err := w.abi.Pack("transfer", to, ToBaseUnits(amount))
	if err != nil {
		return "", errors.Wrap(err, "pack transfer")
	}

	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return "", errors.Wrap(err, "get nonce")
	}
	tip, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", errors.Wrap(err, "suggest gas tip")
	}
	head, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "get latest header")
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: w.address,
		To:   &w.token,
		Data: data,
	})
	if err != nil {
		return "", errors.Wrap(err, "estimate gas")
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &w.token,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return "", errors.Wrap(err, "sign transfer")
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return "", errors.Wrap(err, "send transfer")
	}

	hash := signed.Hash().Hex()
	w.logger.Info("token transfer submitted",
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", hash),
	)
	return hash, nil
}

// Info is the public wallet summary.
type Info struct {
	Address      string          `json:"address"`
	USDCBalance  decimal.Decimal `json:"usdc_balance"`
	Network      string          `json:"network"`
	USDCContract string          `json:"usdc_contract"`
	ExplorerURL  string          `json:"explorer_url"`
}

func (w *Wallet) Info(ctx context.Context) (*Info, error) {
	bal, err := w.Balance(ctx)
	if err != nil {
		return nil, err
	}
	return &Info{
		Address:      w.address.Hex(),
		USDCBalance:  bal,
		Network:      w.network,
		USDCContract: w.token.Hex(),
		ExplorerURL:  w.explorer + w.address.Hex(),
	}, nil
}

func ToBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(tokenDecimals).BigInt()
}

func FromBaseUnits(units *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(units, -tokenDecimals)
}
