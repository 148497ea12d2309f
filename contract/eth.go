package contract

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/retry"
	"github.com/latticanet/lattica/slogger"
	"github.com/latticanet/lattica/wallet"
)

// marketplaceABI is the session-job marketplace surface the client consumes.
const marketplaceABI = `[
  {"type":"function","name":"createSessionJob","stateMutability":"payable","inputs":[
    {"name":"host","type":"address"},{"name":"token","type":"address"},
    {"name":"deposit","type":"uint256"},{"name":"pricePerToken","type":"uint256"},
    {"name":"duration","type":"uint256"},{"name":"proofInterval","type":"uint256"}],
   "outputs":[{"name":"sessionId","type":"bytes32"}]},
  {"type":"function","name":"submitCheckpoint","stateMutability":"nonpayable","inputs":[
    {"name":"sessionId","type":"bytes32"},{"name":"deltaTokens","type":"uint256"},
    {"name":"proofHash","type":"bytes32"},{"name":"signature","type":"bytes"},
    {"name":"proofCID","type":"string"}],"outputs":[]},
  {"type":"function","name":"completeSession","stateMutability":"nonpayable","inputs":[
    {"name":"sessionId","type":"bytes32"},{"name":"finalTokens","type":"uint256"},
    {"name":"finalProof","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"hostWithdraw","stateMutability":"nonpayable","inputs":[
    {"name":"token","type":"address"}],"outputs":[]},
  {"type":"function","name":"treasuryWithdraw","stateMutability":"nonpayable","inputs":[
    {"name":"token","type":"address"}],"outputs":[]},
  {"type":"function","name":"getJob","stateMutability":"view","inputs":[
    {"name":"sessionId","type":"bytes32"}],
   "outputs":[{"name":"tokensUsed","type":"uint256"},{"name":"state","type":"uint8"},
    {"name":"accumulated","type":"uint256"}]},
  {"type":"function","name":"getActiveHosts","stateMutability":"view","inputs":[],
   "outputs":[{"name":"hosts","type":"address[]"},{"name":"endpoints","type":"string[]"},
    {"name":"models","type":"string[]"},{"name":"nativePrices","type":"uint256[]"},
    {"name":"stablePrices","type":"uint256[]"}]},
  {"type":"function","name":"getCheckpoints","stateMutability":"view","inputs":[
    {"name":"sessionId","type":"bytes32"}],
   "outputs":[{"name":"cumulative","type":"uint256[]"},{"name":"deltas","type":"uint256[]"},
    {"name":"proofHashes","type":"bytes32[]"},{"name":"proofCIDs","type":"string[]"}]},
  {"type":"event","name":"SessionCreated","inputs":[
    {"name":"sessionId","type":"bytes32","indexed":true},
    {"name":"jobId","type":"bytes32","indexed":true},
    {"name":"user","type":"address","indexed":true}]}
]`

const (
	// DefaultConfirmations is the block depth waited on mutating calls.
	DefaultConfirmations = 3

	// DefaultCallTimeout bounds one mutating call including confirmations.
	DefaultCallTimeout = 60 * time.Second

	receiptPollInterval = 2 * time.Second
)

// ClientOptions configures the geth-backed facade.
type ClientOptions struct {
	// Confirmations is the block depth waited after a transaction is mined.
	Confirmations uint64

	// CallTimeout bounds each mutating call including the confirmation wait.
	CallTimeout time.Duration

	Retry  retry.Options
	Logger slogger.Logger
}

// Client is the geth-backed Facade against one chain's marketplace contract.
type Client struct {
	eth      *ethclient.Client
	bound    *bind.BoundContract
	abi      abi.ABI
	wallet   wallet.Wallet
	chainID  *big.Int
	address  common.Address
	confirms uint64
	timeout  time.Duration
	retry    retry.Options
	logger   slogger.Logger
}

// Dial connects to the RPC endpoint and binds the marketplace at the given
// address. The wallet may be nil for a view-only client.
func Dial(ctx context.Context, rpcURL, contractAddr string, chainID uint64, w wallet.Wallet, opts ClientOptions) (*Client, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("%w: contract address %q", lattica.ErrInvalidConfig, contractAddr)
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, classify(err)
	}
	return NewClient(eth, contractAddr, chainID, w, opts)
}

// NewClient binds the marketplace over an existing ethclient connection.
func NewClient(eth *ethclient.Client, contractAddr string, chainID uint64, w wallet.Wallet, opts ClientOptions) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		return nil, fmt.Errorf("parse marketplace abi: %w", err)
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = DefaultConfirmations
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	addr := common.HexToAddress(contractAddr)
	return &Client{
		eth:      eth,
		bound:    bind.NewBoundContract(addr, parsed, eth, eth, eth),
		abi:      parsed,
		wallet:   w,
		chainID:  new(big.Int).SetUint64(chainID),
		address:  addr,
		confirms: opts.Confirmations,
		timeout:  opts.CallTimeout,
		retry:    opts.Retry,
		logger:   opts.Logger,
	}, nil
}

func (c *Client) ChainID() uint64 {
	return c.chainID.Uint64()
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// sessionKey maps a session ID onto the contract's bytes32 key. Hex-encoded
// 32-byte IDs are used as-is; anything else (UUIDs) is keccak-hashed.
func sessionKey(sessionID string) common.Hash {
	if len(sessionID) == 66 && strings.HasPrefix(sessionID, "0x") {
		return common.HexToHash(sessionID)
	}
	return crypto.Keccak256Hash([]byte(sessionID))
}

func (c *Client) CreateSessionJob(ctx context.Context, params CreateJobParams) (*CreateJobResult, error) {
	if !common.IsHexAddress(params.HostAddress) {
		return nil, fmt.Errorf("%w: host address %q", lattica.ErrInvalidConfig, params.HostAddress)
	}
	token := common.Address{}
	value := new(big.Int).SetUint64(params.Deposit)
	if params.PaymentToken != "" {
		if !common.IsHexAddress(params.PaymentToken) {
			return nil, fmt.Errorf("%w: payment token %q", lattica.ErrInvalidConfig, params.PaymentToken)
		}
		token = common.HexToAddress(params.PaymentToken)
		value = nil // ERC-20 deposits move via transferFrom, not msg.value
	}

	receipt, err := c.transact(ctx, "createSessionJob", value,
		common.HexToAddress(params.HostAddress), token,
		new(big.Int).SetUint64(params.Deposit),
		new(big.Int).SetUint64(params.PricePerToken),
		new(big.Int).SetUint64(params.Duration),
		new(big.Int).SetUint64(params.ProofInterval))
	if err != nil {
		return nil, err
	}

	eventID := c.abi.Events["SessionCreated"].ID
	for _, log := range receipt.Logs {
		if log.Address != c.address || len(log.Topics) < 3 || log.Topics[0] != eventID {
			continue
		}
		return &CreateJobResult{
			SessionID: log.Topics[1].Hex(),
			JobID:     log.Topics[2].Hex(),
			TxHash:    receipt.TxHash.Hex(),
		}, nil
	}
	return nil, fmt.Errorf("%w: no SessionCreated event in tx %s", lattica.ErrContractReverted, receipt.TxHash)
}

func (c *Client) GetJobStatus(ctx context.Context, sessionID string) (*JobStatus, error) {
	var out []interface{}
	err := retry.DoWithOptions(ctx, c.retry, func() error {
		out = out[:0]
		return classify(c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "getJob", sessionKey(sessionID)))
	})
	if err != nil {
		return nil, err
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("getJob: unexpected result arity %d", len(out))
	}
	return &JobStatus{
		SessionID:   sessionID,
		TokensUsed:  out[0].(*big.Int).Uint64(),
		State:       JobState(out[1].(uint8)),
		Accumulated: out[2].(*big.Int).Uint64(),
	}, nil
}

func (c *Client) SubmitCheckpoint(ctx context.Context, sessionID string, deltaTokens uint64, proofHash [32]byte, signature []byte, proofCID string) (string, error) {
	receipt, err := c.transact(ctx, "submitCheckpoint", nil,
		sessionKey(sessionID), new(big.Int).SetUint64(deltaTokens),
		proofHash, signature, proofCID)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func (c *Client) CompleteSession(ctx context.Context, sessionID string, finalTokens uint64, finalProof [32]byte) (string, error) {
	receipt, err := c.transact(ctx, "completeSession", nil,
		sessionKey(sessionID), new(big.Int).SetUint64(finalTokens), finalProof)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func (c *Client) HostWithdraw(ctx context.Context, token string) (string, error) {
	receipt, err := c.transact(ctx, "hostWithdraw", nil, common.HexToAddress(token))
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func (c *Client) TreasuryWithdraw(ctx context.Context, token string) (string, error) {
	receipt, err := c.transact(ctx, "treasuryWithdraw", nil, common.HexToAddress(token))
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func (c *Client) DiscoverActiveHostsWithModels(ctx context.Context) ([]*lattica.Host, error) {
	var out []interface{}
	err := retry.DoWithOptions(ctx, c.retry, func() error {
		out = out[:0]
		return classify(c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "getActiveHosts"))
	})
	if err != nil {
		return nil, err
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("getActiveHosts: unexpected result arity %d", len(out))
	}
	addrs := out[0].([]common.Address)
	endpoints := out[1].([]string)
	models := out[2].([]string)
	nativePrices := out[3].([]*big.Int)
	stablePrices := out[4].([]*big.Int)

	now := time.Now()
	hosts := make([]*lattica.Host, 0, len(addrs))
	for i, addr := range addrs {
		if i >= len(endpoints) || i >= len(models) || i >= len(nativePrices) || i >= len(stablePrices) {
			break
		}
		hosts = append(hosts, &lattica.Host{
			ID:                  addr.Hex(),
			URL:                 endpoints[i],
			Models:              splitModels(models[i]),
			PricePerTokenNative: nativePrices[i].Uint64(),
			PricePerTokenStable: stablePrices[i].Uint64(),
			LatencyMs:           -1,
			Source:              lattica.SourceBootstrap,
			LastSeenAt:          now,
		})
	}
	return hosts, nil
}

func splitModels(csv string) []string {
	var models []string
	for _, m := range strings.Split(csv, ",") {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	return models
}

func (c *Client) GetCheckpoints(ctx context.Context, sessionID string) ([]*lattica.CheckpointRecord, error) {
	var out []interface{}
	err := retry.DoWithOptions(ctx, c.retry, func() error {
		out = out[:0]
		return classify(c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "getCheckpoints", sessionKey(sessionID)))
	})
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("getCheckpoints: unexpected result arity %d", len(out))
	}
	cumulative := out[0].([]*big.Int)
	deltas := out[1].([]*big.Int)
	proofHashes := out[2].([][32]byte)
	proofCIDs := out[3].([]string)

	records := make([]*lattica.CheckpointRecord, 0, len(cumulative))
	for i := range cumulative {
		if i >= len(deltas) || i >= len(proofHashes) || i >= len(proofCIDs) {
			break
		}
		rec := &lattica.CheckpointRecord{
			SessionID:        sessionID,
			CumulativeTokens: cumulative[i].Uint64(),
			DeltaTokens:      deltas[i].Uint64(),
			ProofHash:        proofHashes[i],
			ProofHashHex:     common.Hash(proofHashes[i]).Hex(),
			ProofCID:         proofCIDs[i],
			VerifiedOnChain:  true,
		}
		records = append(records, rec)
	}
	return records, nil
}

// transact submits one mutating call and waits for the confirmation depth.
// Nonce and gas are left to the binding to resolve against pending state.
func (c *Client) transact(ctx context.Context, method string, value *big.Int, args ...interface{}) (*types.Receipt, error) {
	if c.wallet == nil {
		return nil, fmt.Errorf("%w: %s needs a signer", lattica.ErrIdentityNotAuthenticated, method)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := &bind.TransactOpts{
		From: c.wallet.Address(),
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != c.wallet.Address() {
				return nil, lattica.ErrUnauthorizedSigner
			}
			return c.wallet.SignTx(tx, c.chainID)
		},
		Value:   value,
		Context: ctx,
	}

	var receipt *types.Receipt
	err := retry.DoWithOptions(ctx, c.retry, func() error {
		tx, err := c.bound.Transact(opts, method, args...)
		if err != nil {
			return classify(err)
		}
		c.logger.Debug("transaction sent", "method", method, "tx", tx.Hash().Hex())
		r, err := c.waitConfirmed(ctx, tx.Hash())
		if err != nil {
			return err
		}
		if r.Status != types.ReceiptStatusSuccessful {
			return fmt.Errorf("%w: %s tx %s", lattica.ErrContractReverted, method, tx.Hash().Hex())
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("transaction confirmed", "method", method, "tx", receipt.TxHash.Hex(),
		"block", receipt.BlockNumber.Uint64(), "confirmations", c.confirms)
	return receipt, nil
}

// waitConfirmed polls until the transaction is mined and buried under the
// configured confirmation depth.
func (c *Client) waitConfirmed(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		r, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			receipt = r
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for tx %s: %v", lattica.ErrNetworkTransient, txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}

	target := receipt.BlockNumber.Uint64() + c.confirms
	for {
		head, err := c.eth.BlockNumber(ctx)
		if err == nil && head >= target {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %d confirmations of %s: %v",
				lattica.ErrNetworkTransient, c.confirms, txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
