package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"voltsettle/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient talks to escrow contracts through an EVM JSON-RPC relay. One
// EthClient serves every escrow; bound contracts are cached per address.
type EthClient struct {
	client       *ethclient.Client
	abi          abi.ABI
	chainID      *big.Int
	transacts    *bind.TransactOpts
	pollInterval time.Duration
	waitTimeout  time.Duration

	mu        sync.Mutex
	contracts map[common.Address]*bind.BoundContract
}

type EthClientConfig struct {
	RPCURL        string
	PrivateKeyHex string
	// ReceiptPollInterval and ConfirmTimeout bound the wait for each receipt.
	ReceiptPollInterval time.Duration
	ConfirmTimeout      time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for escrow submissions")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.VoltEscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	poll := cfg.ReceiptPollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	wait := cfg.ConfirmTimeout
	if wait <= 0 {
		wait = 2 * time.Minute
	}

	return &EthClient{
		client:       cli,
		abi:          parsedABI,
		chainID:      chainID,
		transacts:    txOpts,
		pollInterval: poll,
		waitTimeout:  wait,
		contracts:    make(map[common.Address]*bind.BoundContract),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) Signer() common.Address {
	return c.transacts.From
}

func (c *EthClient) bound(escrow common.Address) *bind.BoundContract {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bc, ok := c.contracts[escrow]; ok {
		return bc
	}
	bc := bind.NewBoundContract(escrow, c.abi, c.client, c.client, c.client)
	c.contracts[escrow] = bc
	return bc
}

func (c *EthClient) AssociateWithToken(ctx context.Context, escrow, token common.Address) (Receipt, error) {
	return c.transact(ctx, escrow, "associateWithToken", token)
}

func (c *EthClient) ReleaseIToken(ctx context.Context, escrow, investor, token common.Address, amount int64) (Receipt, error) {
	return c.transact(ctx, escrow, "releaseIToken", investor, token, amount)
}

func (c *EthClient) RecordInvestment(ctx context.Context, escrow, investor, token common.Address, units *big.Int) (Receipt, error) {
	return c.transact(ctx, escrow, "recordInvestment", investor, token, units)
}

func (c *EthClient) SettleInvestment(ctx context.Context, escrow, investor common.Address, index uint64, yieldUnits *big.Int) (Receipt, error) {
	return c.transact(ctx, escrow, "settleInvestment", investor, new(big.Int).SetUint64(index), yieldUnits)
}

func (c *EthClient) InvestmentsLength(ctx context.Context, escrow, investor common.Address) (uint64, error) {
	out, err := c.call(ctx, escrow, "investmentsLength", investor)
	if err != nil {
		return 0, err
	}
	n := *abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	if !n.IsUint64() {
		return 0, fmt.Errorf("investmentsLength overflow: %s", n.String())
	}
	return n.Uint64(), nil
}

func (c *EthClient) InvestmentAt(ctx context.Context, escrow, investor common.Address, index uint64) (Position, error) {
	out, err := c.call(ctx, escrow, "investments", investor, new(big.Int).SetUint64(index))
	if err != nil {
		return Position{}, err
	}
	if len(out) != 4 {
		return Position{}, fmt.Errorf("investments: unexpected output arity %d", len(out))
	}
	return Position{
		Token:     *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Amount:    abi.ConvertType(out[1], new(big.Int)).(*big.Int),
		YieldPaid: abi.ConvertType(out[2], new(big.Int)).(*big.Int),
		Settled:   *abi.ConvertType(out[3], new(bool)).(*bool),
	}, nil
}

func (c *EthClient) Owner(ctx context.Context, escrow common.Address) (common.Address, error) {
	out, err := c.call(ctx, escrow, "owner")
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) call(ctx context.Context, escrow common.Address, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.bound(escrow).Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s call: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s call: empty result", method)
	}
	return out, nil
}

func (c *EthClient) transact(ctx context.Context, escrow common.Address, method string, args ...interface{}) (Receipt, error) {
	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.bound(escrow).Transact(&opts, method, args...)
	if err != nil {
		return Receipt{}, fmt.Errorf("%s tx: %w", method, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()
	receipt, err := WaitForReceipt(waitCtx, c.client, tx, c.pollInterval)
	if err != nil {
		return Receipt{TxHash: tx.Hash().Hex()}, fmt.Errorf("%s wait %s: %w", method, tx.Hash().Hex(), err)
	}
	out := Receipt{TxHash: tx.Hash().Hex(), BlockNumber: receipt.BlockNumber.Uint64()}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return out, fmt.Errorf("%s %s: %w", method, out.TxHash, ErrReverted)
	}
	return out, nil
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
