// Package ledger 访问链上清算所合约, 只发起只读调用 (eth_call) 用于与本地计算结果比对
package ledger

import (
	"context"
	stderrors "errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/cmontecoding/EIP712-OrderBook/internal/metrics"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/circuitbreaker"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/logger"
)

// JSON-RPC 错误码
const (
	rpcCodeExecutionReverted = 3
	rpcCodeLimitExceeded     = -32005
)

// ContractCaller 执行 eth_call, *ethclient.Client 满足该接口
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dialer 连接 RPC 节点
type Dialer func(ctx context.Context, url string) (ContractCaller, error)

// DialEthClient 默认 Dialer, 使用 ethclient
func DialEthClient(ctx context.Context, url string) (ContractCaller, error) {
	return ethclient.DialContext(ctx, url)
}

// ClientConfig 客户端配置
type ClientConfig struct {
	RPCURLs          []string
	CallTimeout      time.Duration
	MaxRetries       int
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	Breaker          *circuitbreaker.Config
	Dial             Dialer
}

type endpoint struct {
	url     string
	caller  ContractCaller
	breaker *circuitbreaker.CircuitBreaker
}

// Client 多节点 eth_call 客户端: 单次调用超时, 节点失败切换, 指数退避重试, 按节点熔断
type Client struct {
	endpoints []*endpoint
	breakers  *circuitbreaker.Registry

	mu         sync.Mutex
	currentIdx int

	callTimeout      time.Duration
	maxRetries       int
	retryInterval    time.Duration
	maxRetryInterval time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient 创建客户端并连接所有节点
func NewClient(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.ErrInvalidConfig.WithMessage("at least one RPC URL is required").
			WithDetail("field", "ledger.rpc_url")
	}

	dial := cfg.Dial
	if dial == nil {
		dial = DialEthClient
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	if cfg.Breaker != nil {
		cp := *cfg.Breaker
		breakerCfg = &cp
	}
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = isEndpointFailure
	}
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
			logger.Warn("ledger endpoint breaker state changed",
				zap.String("endpoint", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}

	c := &Client{
		breakers:         circuitbreaker.NewRegistry(breakerCfg),
		callTimeout:      cfg.CallTimeout,
		maxRetries:       cfg.MaxRetries,
		retryInterval:    cfg.RetryInterval,
		maxRetryInterval: cfg.MaxRetryInterval,
		sleep:            sleepContext,
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 10 * time.Second
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.retryInterval <= 0 {
		c.retryInterval = 500 * time.Millisecond
	}
	if c.maxRetryInterval < c.retryInterval {
		c.maxRetryInterval = c.retryInterval
	}

	for _, url := range cfg.RPCURLs {
		caller, err := dial(ctx, url)
		if err != nil {
			c.Close()
			return nil, errors.WrapWithCause(errors.ErrLedgerUnreachable, err, "dial %s", url).
				WithDetail("endpoint", url)
		}
		c.endpoints = append(c.endpoints, &endpoint{
			url:     url,
			caller:  caller,
			breaker: c.breakers.Get(url),
		})
	}
	return c, nil
}

// NewClientWithCaller 使用已有连接创建单节点客户端
func NewClientWithCaller(url string, caller ContractCaller, cfg *ClientConfig) (*Client, error) {
	cp := ClientConfig{}
	if cfg != nil {
		cp = *cfg
	}
	cp.RPCURLs = []string{url}
	cp.Dial = func(context.Context, string) (ContractCaller, error) { return caller, nil }
	return NewClient(context.Background(), &cp)
}

// Close 关闭所有连接
func (c *Client) Close() {
	for _, ep := range c.endpoints {
		if closer, ok := ep.caller.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

// Breakers 各节点熔断器状态
func (c *Client) Breakers() []circuitbreaker.Stats {
	return c.breakers.Stats()
}

// Call 对合约发起 eth_call, method 用于日志和指标
// 传输失败返回 LEDGER_UNREACHABLE, 合约 revert 等确定性失败返回 LEDGER_FAULT 且不重试
func (c *Client) Call(ctx context.Context, to common.Address, method string, data []byte) ([]byte, error) {
	start := time.Now()
	var out []byte
	err := c.withRetry(ctx, method, func(ep *endpoint) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()

		res, err := ep.caller.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return classify(err, ep.url)
		}
		out = res
		return nil
	})
	metrics.RecordLedgerCall(method, callStatus(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withRetry 所有节点都不可达时按指数退避重试
func (c *Client) withRetry(ctx context.Context, method string, fn func(*endpoint) error) error {
	log := logger.WithContext(ctx)
	delay := c.retryInterval

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordLedgerRetry(method)
			log.Warn("retrying ledger call",
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return errors.WrapWithCause(errors.ErrLedgerUnreachable, err, "%s", method)
			}
			delay *= 2
			if delay > c.maxRetryInterval {
				delay = c.maxRetryInterval
			}
		}

		lastErr = c.tryEndpoints(ctx, method, fn)
		if lastErr == nil || !errors.IsRetryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// tryEndpoints 从当前节点开始依次尝试, 跳过熔断中的节点
func (c *Client) tryEndpoints(ctx context.Context, method string, fn func(*endpoint) error) error {
	c.mu.Lock()
	start := c.currentIdx
	c.mu.Unlock()

	var lastErr error
	for i := range c.endpoints {
		idx := (start + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		err := ep.breaker.Execute(func() error { return fn(ep) })
		if err == nil || !errors.IsRetryable(err) {
			c.mu.Lock()
			c.currentIdx = idx
			c.mu.Unlock()
			return err
		}

		lastErr = err
		if !circuitbreaker.IsOpen(err) {
			logger.WithContext(ctx).Warn("ledger endpoint failed",
				zap.String("method", method),
				zap.String("endpoint", ep.url),
				zap.Error(err),
			)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

// classify 区分节点不可达与合约执行失败
func classify(err error, url string) error {
	var rpcErr rpc.Error
	if stderrors.As(err, &rpcErr) {
		switch {
		case rpcErr.ErrorCode() == rpcCodeLimitExceeded:
			return errors.WrapWithCause(errors.ErrLedgerUnreachable, err, "rate limited").WithDetail("endpoint", url)
		case rpcErr.ErrorCode() == rpcCodeExecutionReverted || strings.Contains(rpcErr.Error(), "execution reverted"):
			return revertErr(err, url)
		default:
			return errors.WrapWithCause(errors.ErrLedgerFault, err, "rpc error %d", rpcErr.ErrorCode()).
				WithDetail("endpoint", url)
		}
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return revertErr(err, url)
	}
	return errors.WrapWithCause(errors.ErrLedgerUnreachable, err, "call %s", url).WithDetail("endpoint", url)
}

func revertErr(err error, url string) error {
	e := errors.WrapWithCause(errors.ErrLedgerFault, err, "execution reverted").WithDetail("endpoint", url)
	var dataErr rpc.DataError
	if stderrors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return e.WithDetail("reason", reason)
				}
				return e.WithDetail("reason", s)
			}
		}
	}
	return e
}

// isEndpointFailure 只有可重试错误计入熔断, 调用方主动取消不算节点故障
func isEndpointFailure(err error) bool {
	return errors.IsRetryable(err) && !stderrors.Is(err, context.Canceled)
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case circuitbreaker.IsOpen(err):
		return "breaker_open"
	case errors.Is(err, errors.ErrLedgerUnreachable):
		return "unreachable"
	default:
		return "fault"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
