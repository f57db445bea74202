// Package evmtest provides an in-memory evm.Client for tests.
package evmtest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/chain/evm"
)

// BaseTime is the timestamp of block 0; block n is BaseTime+n.
const BaseTime = 1700000000

// Client is a fake chain. Fields may be set directly before use; use the
// methods once the client is shared with running goroutines.
type Client struct {
	mu sync.Mutex

	ID      *big.Int
	Head    uint64
	Logs    []types.Log
	Txs     map[common.Hash]*types.Transaction
	Code    map[common.Address][]byte
	Entries []evm.Entry

	// FilterErrs are returned by successive FilterLogs calls before logs are served.
	FilterErrs   []error
	CallErrs     []error
	SubscribeErr error

	FilterCalls int
	HeaderCalls int
	Closed      bool
	subs        []*Subscription
}

func NewClient(chainID int64) *Client {
	return &Client{
		ID:   big.NewInt(chainID),
		Txs:  make(map[common.Hash]*types.Transaction),
		Code: make(map[common.Address][]byte),
	}
}

// Dialer returns an evm.Dialer that hands out c for every URL.
func (c *Client) Dialer() evm.Dialer {
	return func(ctx context.Context, url string) (evm.Client, error) {
		return c, nil
	}
}

func (c *Client) SetHead(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Head = head
}

func (c *Client) AddLogs(logs ...types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logs = append(c.Logs, logs...)
	for _, lg := range logs {
		if lg.BlockNumber > c.Head {
			c.Head = lg.BlockNumber
		}
	}
}

func (c *Client) SetEntries(entries ...evm.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Entries = entries
}

func (c *Client) Calls() (filter, header int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.FilterCalls, c.HeaderCalls
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Head, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.ID, nil
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HeaderCalls++

	n := c.Head
	if number != nil {
		n = number.Uint64()
	}
	if n > c.Head {
		return nil, ethereum.NotFound
	}
	return &types.Header{Number: new(big.Int).SetUint64(n), Time: BaseTime + n}, nil
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.Txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Code[account], nil
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.CallErrs) > 0 {
		err := c.CallErrs[0]
		c.CallErrs = c.CallErrs[1:]
		return nil, err
	}
	return PackEntries(c.Entries)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FilterCalls++

	if len(c.FilterErrs) > 0 {
		err := c.FilterErrs[0]
		c.FilterErrs = c.FilterErrs[1:]
		return nil, err
	}

	var out []types.Log
	for _, lg := range c.Logs {
		if matches(q, lg) {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (c *Client) SubscribeFilterLogs(
	ctx context.Context,
	q ethereum.FilterQuery,
	ch chan<- types.Log,
) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SubscribeErr != nil {
		return nil, c.SubscribeErr
	}
	sub := &Subscription{
		query: q,
		ch:    ch,
		errCh: make(chan error, 1),
		quit:  make(chan struct{}),
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
}

// Subscriptions returns the subscriptions that were not unsubscribed.
func (c *Client) Subscriptions() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Subscription
	for _, s := range c.subs {
		if !s.done() {
			out = append(out, s)
		}
	}
	return out
}

// Emit pushes lg to every live subscription whose filter matches it.
func (c *Client) Emit(lg types.Log) {
	for _, s := range c.Subscriptions() {
		if matches(s.query, lg) {
			s.deliver(lg)
		}
	}
}

// Drop fails every live subscription with err.
func (c *Client) Drop(err error) {
	for _, s := range c.Subscriptions() {
		s.fail(err)
	}
}

func matches(q ethereum.FilterQuery, lg types.Log) bool {
	if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
		return false
	}
	if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
		return false
	}
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == lg.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, alts := range q.Topics {
		if len(alts) == 0 {
			continue
		}
		if i >= len(lg.Topics) {
			return false
		}
		found := false
		for _, t := range alts {
			if t == lg.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Subscription is a fake ethereum.Subscription.
type Subscription struct {
	query ethereum.FilterQuery
	ch    chan<- types.Log
	errCh chan error
	quit  chan struct{}
	once  sync.Once
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		close(s.errCh)
	})
}

func (s *Subscription) Err() <-chan error { return s.errCh }

func (s *Subscription) done() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Subscription) deliver(lg types.Log) {
	select {
	case s.ch <- lg:
	case <-s.quit:
	}
}

func (s *Subscription) fail(err error) {
	select {
	case <-s.quit:
	case s.errCh <- err:
	default:
	}
}

// ErrDropped is a convenience error for Drop.
var ErrDropped = errors.New("websocket: close 1006 (abnormal closure)")

// =============================================================================
// Log and transaction builders
// =============================================================================

var cacheManagerABI = mustABI()

func mustABI() abi.ABI {
	parsed, err := evm.ParseCacheManagerABI()
	if err != nil {
		panic(err)
	}
	return parsed
}

// PackEntries ABI-encodes entries as the return data of getEntries().
func PackEntries(entries []evm.Entry) ([]byte, error) {
	if entries == nil {
		entries = []evm.Entry{}
	}
	return cacheManagerABI.Methods["getEntries"].Outputs.Pack(entries)
}

// EventLog encodes ev as the log the CacheManager contract would emit.
func EventLog(ev domain.ChainEvent) types.Log {
	abiEvent, ok := cacheManagerABI.Events[string(ev.Kind)]
	if !ok {
		panic(fmt.Sprintf("unknown event %q", ev.Kind))
	}

	topics := []common.Hash{abiEvent.ID}
	var values []any
	switch ev.Kind {
	case domain.EventInsertBid:
		p := ev.InsertBid
		topics = append(topics, common.HexToHash(p.CodeHash))
		values = []any{common.HexToAddress(p.Program), bigOrZero(p.Bid), p.Size}
	case domain.EventDeleteBid:
		p := ev.DeleteBid
		topics = append(topics, common.HexToHash(p.CodeHash))
		values = []any{bigOrZero(p.Bid), p.Size}
	case domain.EventSetCacheSize:
		values = []any{*ev.CacheSize}
	case domain.EventSetDecayRate:
		values = []any{*ev.DecayRate}
	}

	data, err := abiEvent.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address:     common.HexToAddress(ev.Ref.ContractAddress),
		Topics:      topics,
		Data:        data,
		BlockNumber: ev.Ref.BlockNumber,
		BlockHash:   common.HexToHash(ev.Ref.BlockHash),
		TxHash:      common.HexToHash(ev.Ref.TxHash),
		Index:       ev.Ref.LogIndex,
	}
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// InsertBid builds an InsertBid event at (block, logIndex).
func InsertBid(contract string, block uint64, logIndex uint, codeHash string, bid int64, size uint64) domain.ChainEvent {
	return domain.ChainEvent{
		Kind: domain.EventInsertBid,
		Ref:  ref(contract, block, logIndex),
		InsertBid: &domain.InsertBidData{
			CodeHash: common.HexToHash(codeHash).Hex(),
			Program:  common.HexToAddress("0x00000000000000000000000000000000000000aa").Hex(),
			Bid:      big.NewInt(bid),
			Size:     size,
		},
	}
}

// DeleteBid builds a DeleteBid event at (block, logIndex).
func DeleteBid(contract string, block uint64, logIndex uint, codeHash string, bid int64, size uint64) domain.ChainEvent {
	return domain.ChainEvent{
		Kind: domain.EventDeleteBid,
		Ref:  ref(contract, block, logIndex),
		DeleteBid: &domain.DeleteBidData{
			CodeHash: common.HexToHash(codeHash).Hex(),
			Bid:      big.NewInt(bid),
			Size:     size,
		},
	}
}

func ref(contract string, block uint64, logIndex uint) domain.LogRef {
	return domain.LogRef{
		ContractAddress: common.HexToAddress(contract).Hex(),
		BlockNumber:     block,
		BlockHash:       common.BigToHash(new(big.Int).SetUint64(block)).Hex(),
		TxHash:          TxHash(block, logIndex).Hex(),
		LogIndex:        logIndex,
	}
}

// TxHash is the transaction hash the builders give the log at (block, logIndex).
func TxHash(block uint64, logIndex uint) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d-%d", block, logIndex)))
}

// SignedTx returns a transaction signed by a fresh key and the key's address.
func SignedTx(chainID *big.Int, nonce uint64) (*types.Transaction, common.Address) {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(1),
		Gas:       21000,
	})
	if err != nil {
		panic(err)
	}
	return tx, crypto.PubkeyToAddress(key.PublicKey)
}
