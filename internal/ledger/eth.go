package ledger

import (
	"context"
	"errors"
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
)

const (
	controllerABIJSON = `[
		{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"bytes32","name":"market","type":"bytes32"}],"name":"getPosition","outputs":[{"internalType":"uint256","name":"collateral","type":"uint256"},{"internalType":"uint256","name":"debt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"bytes32","name":"market","type":"bytes32"}],"name":"rescue","outputs":[],"stateMutability":"nonpayable","type":"function"}
	]`
)

var controllerABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(controllerABIJSON))
	if err != nil {
		panic("failed to parse rescue controller ABI: " + err.Error())
	}
	controllerABI = parsed
}

// EthOptions parameterise the on-chain client.
type EthOptions struct {
	RPCURL            string
	ControllerAddress string
	SignerKeyHex      string
	ChainID           int64
	GasLimit          uint64
	Timeout           time.Duration
}

// Eth talks to the rescue controller contract via Ethereum RPC.
type Eth struct {
	opts      EthOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEth builds a new on-chain ledger client.
func NewEth(opts EthOptions, logger zerolog.Logger) *Eth {
	return &Eth{opts: opts, logger: logger.With().Str("component", "ledger").Logger()}
}

// GetPosition reads the current collateral/debt snapshot for one position.
func (e *Eth) GetPosition(ctx context.Context, id PositionID) (Position, error) {
	if e.opts.RPCURL == "" {
		return Position{}, errors.New("ledger rpc url not configured")
	}
	if e.opts.ControllerAddress == "" {
		return Position{}, errors.New("rescue controller address not configured")
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return Position{}, err
	}

	addr := common.HexToAddress(e.opts.ControllerAddress)
	payload, err := controllerABI.Pack("getPosition", common.HexToAddress(id.Owner), marketKey(id.Market))
	if err != nil {
		return Position{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return Position{}, err
	}

	outputs, err := controllerABI.Unpack("getPosition", res)
	if err != nil {
		return Position{}, err
	}
	if len(outputs) != 3 {
		return Position{}, errors.New("unexpected getPosition response")
	}

	collateral, ok := outputs[0].(*big.Int)
	if !ok {
		return Position{}, errors.New("failed to decode collateral output")
	}
	debt, ok := outputs[1].(*big.Int)
	if !ok {
		return Position{}, errors.New("failed to decode debt output")
	}
	updated, ok := outputs[2].(*big.Int)
	if !ok {
		return Position{}, errors.New("failed to decode updatedAt output")
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return Position{}, err
	}

	return Position{
		ID:          id,
		Collateral:  decimal.NewFromBigInt(collateral, -18),
		Debt:        decimal.NewFromBigInt(debt, -18),
		UpdatedAt:   time.Unix(updated.Int64(), 0).UTC(),
		BlockNumber: blockNumber,
	}, nil
}

// SubmitRescue builds, signs, and submits a rescue transaction for the
// position and returns the transaction hash.
func (e *Eth) SubmitRescue(ctx context.Context, id PositionID) (string, error) {
	if e.opts.SignerKeyHex == "" {
		return "", errors.New("signer key not configured")
	}
	if e.opts.ControllerAddress == "" {
		return "", errors.New("rescue controller address not configured")
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return "", err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(e.opts.SignerKeyHex, "0x"))
	if err != nil {
		return "", errors.New("invalid signer key material")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	payload, err := controllerABI.Pack("rescue", common.HexToAddress(id.Owner), marketKey(id.Market))
	if err != nil {
		return "", err
	}

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", err
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}

	controller := common.HexToAddress(e.opts.ControllerAddress)
	gasLimit := e.opts.GasLimit
	if gasLimit == 0 {
		estimated, err := client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &controller, Data: payload})
		if err != nil {
			// Estimation executes the call; a revert here means the rescue
			// itself cannot succeed, not that the network hiccuped.
			if isRevert(err) {
				return "", &RejectionError{Reason: err.Error()}
			}
			return "", err
		}
		gasLimit = estimated
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &controller,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     payload,
	})

	chainID := big.NewInt(e.opts.ChainID)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return "", err
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		if isRevert(err) {
			return "", &RejectionError{Reason: err.Error()}
		}
		return "", err
	}

	hash := signed.Hash().Hex()
	e.logger.Info().Str("position", id.String()).Str("tx", hash).Msg("rescue transaction submitted")
	return hash, nil
}

// TransactionStatus resolves the confirmation state of a submitted rescue.
func (e *Eth) TransactionStatus(ctx context.Context, txRef string) (TxStatus, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return TxStatus{}, err
	}

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txRef))
	if errors.Is(err, ethereum.NotFound) {
		return TxStatus{State: TxPending}, nil
	}
	if err != nil {
		return TxStatus{}, err
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		return TxStatus{State: TxConfirmed}, nil
	}
	return TxStatus{State: TxRejected, Reason: "transaction reverted"}, nil
}

func (e *Eth) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *Eth) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

// marketKey maps a market name to its bytes32 key. Raw 32-byte hex keys
// pass through unchanged.
func marketKey(market string) common.Hash {
	if strings.HasPrefix(market, "0x") && len(market) == 66 {
		return common.HexToHash(market)
	}
	return crypto.Keccak256Hash([]byte(market))
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "always failing transaction") ||
		strings.Contains(msg, "revert")
}

var _ Client = (*Eth)(nil)
