package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/metrics"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/recovery"
)

var (
	// ErrUnknownChain is returned for a chain that was never registered
	ErrUnknownChain = errors.New("chain not registered")

	// ErrNoPushEndpoint is returned when a chain has no WebSocket URL
	ErrNoPushEndpoint = errors.New("chain has no websocket endpoint")

	// ErrNoContractCode is returned when the CacheManager address holds no code
	ErrNoContractCode = errors.New("no contract code at address")

	// ErrProviderClosed is returned once Close has been called
	ErrProviderClosed = errors.New("provider closed")
)

// ReconnectFunc is called after a dropped push connection has been rebuilt.
// Returning an error makes the provider back off and try again.
type ReconnectFunc func(ctx context.Context, chainID string) error

// ProviderConfig configures a Provider. Zero values get defaults.
type ProviderConfig struct {
	Dialer           Dialer
	ReconnectBackoff *recovery.ExponentialBackoff
	HeadTTL          time.Duration
}

// Provider owns every JSON-RPC and WebSocket connection of every chain.
// It is the only component that creates or destroys sockets.
type Provider struct {
	dial    Dialer
	backoff *recovery.ExponentialBackoff
	cm      *CacheManager

	mu           sync.Mutex
	chains       map[string]*domain.Blockchain
	http         map[string]Client
	ws           map[string]Client
	heads        *HeadTracker
	callbacks    []ReconnectFunc
	reconnecting map[string]bool
	redrop       map[string]bool
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = DialEthclient
	}
	if cfg.ReconnectBackoff == nil {
		cfg.ReconnectBackoff = recovery.DefaultBackoff(nil)
	}
	if cfg.HeadTTL <= 0 {
		cfg.HeadTTL = 2 * time.Second
	}
	cm, err := NewCacheManager()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		dial:         cfg.Dialer,
		backoff:      cfg.ReconnectBackoff,
		cm:           cm,
		chains:       make(map[string]*domain.Blockchain),
		http:         make(map[string]Client),
		ws:           make(map[string]Client),
		reconnecting: make(map[string]bool),
		redrop:       make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
		log:          slog.Default().With("component", "evm_provider"),
	}
	p.heads = NewHeadTracker(p.latestBlock, cfg.HeadTTL)
	return p, nil
}

// Register makes a chain's endpoints known to the provider.
func (p *Provider) Register(bc *domain.Blockchain) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := *bc
	p.chains[bc.ChainID] = &c
}

// Blockchain returns the registered configuration of a chain.
func (p *Provider) Blockchain(chainID string) (*domain.Blockchain, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bc, ok := p.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	c := *bc
	return &c, nil
}

// ChainIDs returns every registered chain id.
func (p *Provider) ChainIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.chains))
	for id := range p.chains {
		ids = append(ids, id)
	}
	return ids
}

// Client returns the JSON-RPC client of a chain, dialing it on first use.
func (p *Provider) Client(ctx context.Context, chainID string) (Client, error) {
	p.mu.Lock()
	c, ok := p.http[chainID]
	bc, known := p.chains[chainID]
	p.mu.Unlock()

	if ok {
		return c, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	c, err := p.dial(ctx, bc.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc for chain %s: %w", chainID, err)
	}
	return p.keep(p.http, chainID, c)
}

// WSClient returns the push client of a chain, dialing it on first use.
func (p *Provider) WSClient(ctx context.Context, chainID string) (Client, error) {
	p.mu.Lock()
	c, ok := p.ws[chainID]
	bc, known := p.chains[chainID]
	p.mu.Unlock()

	if ok {
		return c, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	if bc.WSURL == "" {
		return nil, recovery.Permanent(fmt.Errorf("%w: %s", ErrNoPushEndpoint, chainID))
	}
	c, err := p.dial(ctx, bc.WSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket for chain %s: %w", chainID, err)
	}
	return p.keep(p.ws, chainID, c)
}

// keep stores a freshly dialed client unless another caller won the dial,
// in which case the new client is closed and the stored one returned.
// Dialing happens without p.mu held.
func (p *Provider) keep(conns map[string]Client, chainID string, c Client) (Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return nil, ErrProviderClosed
	}
	if existing, ok := conns[chainID]; ok {
		p.mu.Unlock()
		c.Close()
		return existing, nil
	}
	conns[chainID] = c
	p.mu.Unlock()
	return c, nil
}

// OnReconnect registers fn to run every time a chain's push connection is rebuilt.
func (p *Provider) OnReconnect(fn ReconnectFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, fn)
}

// ReportDrop tells the provider a chain's push connection failed. The socket
// is closed and rebuilt in the background with exponential backoff, then the
// reconnect callbacks run. Reports that arrive while a reconnection is running
// are folded into one more round once it finishes.
func (p *Provider) ReportDrop(chainID string, cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.reconnecting[chainID] {
		p.redrop[chainID] = true
		p.mu.Unlock()
		p.log.Debug("Drop reported during reconnection, queued", "chain", chainID, "error", cause)
		return
	}
	p.reconnecting[chainID] = true
	p.wg.Add(1)
	p.mu.Unlock()

	p.log.Warn("Push connection dropped", "chain", chainID, "error", cause)
	p.heads.Invalidate(chainID)
	p.dropWS(chainID)

	go func() {
		defer p.wg.Done()
		for {
			p.reconnect(chainID)

			p.mu.Lock()
			again := p.redrop[chainID] && !p.closed
			delete(p.redrop, chainID)
			if !again {
				delete(p.reconnecting, chainID)
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()

			p.log.Warn("Push connection dropped again during reconnection", "chain", chainID)
			p.dropWS(chainID)
		}
	}()
}

func (p *Provider) reconnect(chainID string) {
	attempt := 0
	err := recovery.Retry(p.ctx, p.backoff, func(ctx context.Context) error {
		attempt++
		p.log.Info("Reconnecting push connection", "chain", chainID, "attempt", attempt)

		if _, err := p.WSClient(ctx, chainID); err != nil {
			metrics.Reconnects.WithLabelValues(chainID, "dial_failed").Inc()
			p.log.Warn("Reconnect dial failed", "chain", chainID, "attempt", attempt, "error", err)
			return err
		}

		p.mu.Lock()
		callbacks := append([]ReconnectFunc(nil), p.callbacks...)
		p.mu.Unlock()

		for _, fn := range callbacks {
			if err := fn(ctx, chainID); err != nil {
				metrics.Reconnects.WithLabelValues(chainID, "resume_failed").Inc()
				p.log.Warn("Reconnect callback failed", "chain", chainID, "attempt", attempt, "error", err)
				p.dropWS(chainID)
				return err
			}
		}
		return nil
	})

	switch {
	case err == nil:
		metrics.Reconnects.WithLabelValues(chainID, "success").Inc()
		p.log.Info("Push connection restored", "chain", chainID, "attempts", attempt)
	case errors.Is(err, context.Canceled):
		p.log.Debug("Reconnect cancelled", "chain", chainID)
	default:
		metrics.Reconnects.WithLabelValues(chainID, "gave_up").Inc()
		p.log.Error("Giving up on push connection", "chain", chainID, "attempts", attempt, "error", err)
	}
}

func (p *Provider) dropWS(chainID string) {
	p.mu.Lock()
	c, ok := p.ws[chainID]
	delete(p.ws, chainID)
	p.mu.Unlock()
	if ok {
		c.Close()
	}
}

// HeadBlock returns the chain head, cached for a short TTL.
func (p *Provider) HeadBlock(ctx context.Context, chainID string) (uint64, error) {
	return p.heads.Head(ctx, chainID)
}

func (p *Provider) latestBlock(ctx context.Context, chainID string) (uint64, error) {
	c, err := p.Client(ctx, chainID)
	if err != nil {
		return 0, err
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber failed: %w", err)
	}
	metrics.ChainHeadBlock.WithLabelValues(chainID).Set(float64(head))
	return head, nil
}

// CacheEntries reads the head, then the on-chain cache entries at that head.
func (p *Provider) CacheEntries(ctx context.Context, chainID string) (uint64, []Entry, error) {
	bc, err := p.Blockchain(chainID)
	if err != nil {
		return 0, nil, err
	}
	if !common.IsHexAddress(bc.CacheManagerAddress) {
		return 0, nil, recovery.Permanent(fmt.Errorf("chain %s: invalid cache manager address %q", chainID, bc.CacheManagerAddress))
	}

	head, err := p.latestBlock(ctx, chainID)
	if err != nil {
		return 0, nil, err
	}
	p.heads.Observe(chainID, head)
	c, err := p.Client(ctx, chainID)
	if err != nil {
		return 0, nil, err
	}
	entries, err := p.cm.Entries(ctx, c, common.HexToAddress(bc.CacheManagerAddress), new(big.Int).SetUint64(head))
	if err != nil {
		return 0, nil, err
	}
	return head, entries, nil
}

// CheckContract verifies the configured CacheManager address holds code.
func (p *Provider) CheckContract(ctx context.Context, chainID string) error {
	bc, err := p.Blockchain(chainID)
	if err != nil {
		return err
	}
	c, err := p.Client(ctx, chainID)
	if err != nil {
		return err
	}
	code, err := c.CodeAt(ctx, common.HexToAddress(bc.CacheManagerAddress), nil)
	if err != nil {
		return fmt.Errorf("eth_getCode failed: %w", err)
	}
	if len(code) == 0 {
		return recovery.Permanent(fmt.Errorf("%w: %s on chain %s", ErrNoContractCode, bc.CacheManagerAddress, chainID))
	}
	return nil
}

// Close stops pending reconnections and closes every connection.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.http {
		c.Close()
		delete(p.http, id)
	}
	for id, c := range p.ws {
		c.Close()
		delete(p.ws, id)
	}
}
