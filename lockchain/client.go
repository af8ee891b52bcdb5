// Package lockchain implements the on-chain port against an EVM membership
// lock contract through go-ethereum. All reads go through eth_call on the
// lock's ABI; the one write, grantKeyExtension, is signed locally with the
// service wallet key and submitted through the connected node.
package lockchain

import (
	"context"
	"crypto/ecdsa"
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
	"go.uber.org/zap"

	"github.com/keygrid/renewd/renew"
)

// lockABI is the slice of the lock contract surface the renewal flow needs.
const lockABI = `[
  {"name":"keyPrice","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
  {"name":"expirationDuration","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
  {"name":"isLockManager","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"bool"}]},
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"type":"uint256"}]},
  {"name":"tokenOfOwnerByIndex","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"type":"uint256"}]},
  {"name":"keyExpirationTimestampFor","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"type":"uint256"}]},
  {"name":"grantKeyExtension","type":"function","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"duration","type":"uint256"}],"outputs":[]}
]`

// receiptPollInterval is how often WaitExtended re-asks the node for a
// receipt. The caller's context is the only deadline.
const receiptPollInterval = 2 * time.Second

// Client talks to one lock contract on one EVM chain and implements
// renew.OnChainPort. Submissions from the service wallet are serialized:
// the nonce is read fresh under submitMu so concurrent renewals cannot
// race each other's transactions.
type Client struct {
	eth     *ethclient.Client
	lock    common.Address
	abi     abi.ABI
	chainID *big.Int
	key     *ecdsa.PrivateKey
	wallet  common.Address
	log     *zap.SugaredLogger

	submitMu sync.Mutex
}

// Dial connects to the node at rpcURL and binds the lock contract. The
// service wallet key is given as a hex-encoded private key; its derived
// address must hold key-granter authority on the lock for ExtendKey to
// succeed.
func Dial(ctx context.Context, rpcURL, lockAddress, privateKeyHex string, log *zap.SugaredLogger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(lockABI))
	if err != nil {
		return nil, fmt.Errorf("parsing lock abi: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing service wallet key: %w", err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain id: %w", err)
	}

	c := &Client{
		eth:     eth,
		lock:    common.HexToAddress(lockAddress),
		abi:     parsed,
		chainID: chainID,
		key:     key,
		wallet:  crypto.PubkeyToAddress(key.PublicKey),
		log:     log,
	}
	log.Infow("connected to lock", "rpc", rpcURL, "lock", lockAddress, "wallet", c.wallet.Hex(), "chainId", chainID.String())
	return c, nil
}

// ServiceWallet returns the address derived from the signing key.
func (c *Client) ServiceWallet() string {
	return c.wallet.Hex()
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

func ethereumCallMsg(to common.Address, input []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: input}
}

// call packs a read, executes it as eth_call against the lock, and unpacks
// the results.
func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	out, err := c.eth.CallContract(ctx, ethereumCallMsg(c.lock, input), nil)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	results, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}
	return results, nil
}

func (c *Client) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	results, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	value, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T, want *big.Int", method, results[0])
	}
	return value, nil
}

// KeyPrice reads the lock's unit price.
func (c *Client) KeyPrice(ctx context.Context) (int64, error) {
	price, err := c.callUint(ctx, "keyPrice")
	if err != nil {
		return 0, err
	}
	if !price.IsInt64() {
		return 0, fmt.Errorf("keyPrice %s out of int64 range", price)
	}
	return price.Int64(), nil
}

// ExpirationDuration reads the lock's base renewal period in seconds.
func (c *Client) ExpirationDuration(ctx context.Context) (int64, error) {
	duration, err := c.callUint(ctx, "expirationDuration")
	if err != nil {
		return 0, err
	}
	if !duration.IsInt64() {
		return 0, fmt.Errorf("expirationDuration %s out of int64 range", duration)
	}
	return duration.Int64(), nil
}

// IsLockManager reports whether the address holds manager authority.
func (c *Client) IsLockManager(ctx context.Context, address string) (bool, error) {
	results, err := c.call(ctx, "isLockManager", common.HexToAddress(address))
	if err != nil {
		return false, err
	}
	ok, isBool := results[0].(bool)
	if !isBool {
		return false, fmt.Errorf("isLockManager returned %T, want bool", results[0])
	}
	return ok, nil
}

// KeyOf resolves the wallet's token on the lock, or renew.ErrNoKey when the
// wallet holds none. Wallets hold at most one key per lock, so index 0 is
// the whole enumeration.
func (c *Client) KeyOf(ctx context.Context, owner string) (uint64, error) {
	ownerAddr := common.HexToAddress(owner)
	balance, err := c.callUint(ctx, "balanceOf", ownerAddr)
	if err != nil {
		return 0, err
	}
	if balance.Sign() == 0 {
		return 0, renew.ErrNoKey
	}
	tokenID, err := c.callUint(ctx, "tokenOfOwnerByIndex", ownerAddr, big.NewInt(0))
	if err != nil {
		return 0, err
	}
	if !tokenID.IsUint64() {
		return 0, fmt.Errorf("token id %s out of uint64 range", tokenID)
	}
	return tokenID.Uint64(), nil
}

// KeyExpiration reads the token's expiration timestamp.
func (c *Client) KeyExpiration(ctx context.Context, tokenID uint64) (time.Time, error) {
	ts, err := c.callUint(ctx, "keyExpirationTimestampFor", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return time.Time{}, err
	}
	if !ts.IsInt64() {
		return time.Time{}, fmt.Errorf("expiration timestamp %s out of int64 range", ts)
	}
	return time.Unix(ts.Int64(), 0).UTC(), nil
}

// ExtendKey signs and submits grantKeyExtension from the service wallet and
// returns the transaction hash without waiting for it to mine. Submissions
// are serialized under submitMu so each transaction sees the nonce left by
// the previous one.
func (c *Client) ExtendKey(ctx context.Context, tokenID uint64, durationSeconds int64) (string, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	input, err := c.abi.Pack("grantKeyExtension", new(big.Int).SetUint64(tokenID), big.NewInt(durationSeconds))
	if err != nil {
		return "", fmt.Errorf("packing grantKeyExtension: %w", err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.wallet)
	if err != nil {
		return "", fmt.Errorf("reading nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("reading gas price: %w", err)
	}
	msg := ethereumCallMsg(c.lock, input)
	msg.From = c.wallet
	msg.GasPrice = gasPrice
	gasLimit, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("estimating gas: %w", err)
	}

	tx := types.NewTransaction(nonce, c.lock, big.NewInt(0), gasLimit, gasPrice, input)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("signing transaction: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("submitting transaction: %w", err)
	}

	hash := signed.Hash().Hex()
	c.log.Infow("submitted key extension", "tokenId", tokenID, "seconds", durationSeconds, "tx", hash, "nonce", nonce)
	return hash, nil
}

// WaitExtended polls for the transaction receipt until it lands or the
// context is cancelled, and errors if the transaction reverted.
func (c *Client) WaitExtended(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("transaction %s reverted in block %s", txHash, receipt.BlockNumber)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for transaction %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}
