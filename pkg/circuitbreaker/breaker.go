// Package circuitbreaker guards calls to remote endpoints. An endpoint that
// keeps failing with transient errors is taken out of rotation for a cool-down
// period, then probed with a limited number of half-open requests.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// ErrCircuitOpen 熔断器打开, 按不可达处理
var ErrCircuitOpen = errors.ErrLedgerUnreachable.WithMessage("circuit breaker is open").WithDetail("breaker", "open")

// IsOpen 判断错误是否由熔断器拒绝产生
func IsOpen(err error) bool {
	return errors.GetDetail(err, "breaker") == "open"
}

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态 (正常)
	StateClosed State = iota
	// StateOpen 打开状态 (熔断)
	StateOpen
	// StateHalfOpen 半开状态 (尝试恢复)
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// 连续失败多少次后打开熔断器
	FailureThreshold int `yaml:"failure_threshold"`
	// 半开状态下连续成功多少次后关闭熔断器
	SuccessThreshold int `yaml:"success_threshold"`
	// 熔断器打开后多久进入半开状态
	Timeout time.Duration `yaml:"timeout"`
	// 半开状态最大请求数
	MaxHalfOpenRequests int `yaml:"max_half_open_requests"`

	// IsFailure 判断错误是否计入失败, 为空时只统计可重试错误
	IsFailure func(error) bool `yaml:"-" json:"-"`
	// OnStateChange 状态变化回调
	OnStateChange func(name string, from, to State) `yaml:"-" json:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker 熔断器
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	openedAt         time.Time
	halfOpenRequests int
}

// New 创建熔断器, name 一般为节点地址
func New(name string, config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.IsFailure == nil {
		cfg.IsFailure = errors.IsRetryable
	}
	if cfg.MaxHalfOpenRequests <= 0 {
		cfg.MaxHalfOpenRequests = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: cfg,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name 熔断器名称
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State 获取当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// advance 打开超时后转入半开 (调用方持锁)
func (cb *CircuitBreaker) advance() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		cb.transition(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.successes = 0
	cb.halfOpenRequests = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
}

// Allow 检查是否允许请求通过
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	switch cb.state {
	case StateOpen:
		return ErrCircuitOpen.WithDetail("endpoint", cb.name)
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
			return ErrCircuitOpen.WithDetail("endpoint", cb.name)
		}
		cb.halfOpenRequests++
	}
	return nil
}

// Success 记录成功
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// Failure 记录失败
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		// 半开状态下失败，回到打开状态
		cb.transition(StateOpen)
	}
}

// Execute 执行函数并记录结果. 不计入失败的错误 (如合约 revert) 视为节点可用
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil && cb.config.IsFailure(err) {
		cb.Failure()
		return err
	}

	cb.Success()
	return err
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
}

// Stats 统计信息
type Stats struct {
	Name             string
	State            State
	Failures         int
	Successes        int
	HalfOpenRequests int
}

// Stats 获取统计信息
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	return Stats{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		HalfOpenRequests: cb.halfOpenRequests,
	}
}

// Registry 按节点管理熔断器
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   *Config
}

// NewRegistry 创建熔断器注册表
func NewRegistry(config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get 获取或创建熔断器
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := New(name, r.config)
	r.breakers[name] = cb
	return cb
}

// Stats 所有熔断器的统计
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Stats())
	}
	return out
}
