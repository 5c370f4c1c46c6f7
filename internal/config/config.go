package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cmontecoding/EIP712-OrderBook/internal/order"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/circuitbreaker"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/crypto"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/eip712"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// Config 配置
type Config struct {
	Service ServiceConfig `yaml:"service" json:"service"`
	Log     LogConfig     `yaml:"log" json:"log"`
	Domain  DomainConfig  `yaml:"domain" json:"domain"`
	Schema  SchemaConfig  `yaml:"schema" json:"schema"`
	Signer  SignerConfig  `yaml:"signer" json:"signer"`
	Ledger  LedgerConfig  `yaml:"ledger" json:"ledger"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name string `yaml:"name" json:"name"`
	Env  string `yaml:"env" json:"env"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DomainConfig EIP-712 域配置, version 和 salt 为空时不参与域类型
type DomainConfig struct {
	Name              string `yaml:"name" json:"name"`
	Version           string `yaml:"version" json:"version"`
	ChainID           int64  `yaml:"chain_id" json:"chain_id"`
	VerifyingContract string `yaml:"verifying_contract" json:"verifying_contract"`
	Salt              string `yaml:"salt" json:"salt"`
}

// SchemaConfig 订单类型定义, file 优先于 variant
type SchemaConfig struct {
	Variant string `yaml:"variant" json:"variant"`
	File    string `yaml:"file" json:"file"`
}

// SignerConfig 签名配置
type SignerConfig struct {
	PrivateKey string        `yaml:"private_key" json:"-"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// LedgerConfig 链上合约配置
type LedgerConfig struct {
	RPCURL           string                `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs    []string              `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ContractAddress  string                `yaml:"contract_address" json:"contract_address"`
	CallTimeout      time.Duration         `yaml:"call_timeout" json:"call_timeout"`
	MaxRetries       int                   `yaml:"max_retries" json:"max_retries"`
	RetryInterval    time.Duration         `yaml:"retry_interval" json:"retry_interval"`
	MaxRetryInterval time.Duration         `yaml:"max_retry_interval" json:"max_retry_interval"`
	Breaker          circuitbreaker.Config `yaml:"breaker" json:"breaker"`
}

// RPCURLs 主节点在前, 去除空值
func (c *LedgerConfig) RPCURLs() []string {
	urls := make([]string, 0, 1+len(c.BackupRPCURLs))
	for _, u := range append([]string{c.RPCURL}, c.BackupRPCURLs...) {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Load 加载配置
// 配置文件同目录和当前目录下的 .env 会先载入环境变量, 已存在的环境变量不会被覆盖
func Load(configPath string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(configPath), ".env"), ".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.WrapWithCause(errors.ErrInvalidConfig, err, "read config %s", configPath)
	}

	// 环境变量替换
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, errors.WrapWithCause(errors.ErrInvalidConfig, err, "parse config %s", configPath)
	}

	// 设置默认值
	setDefaults(&cfg)

	if cfg.Schema.File != "" && !filepath.IsAbs(cfg.Schema.File) {
		cfg.Schema.File = filepath.Join(filepath.Dir(configPath), cfg.Schema.File)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(paths ...string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err == nil {
			_ = godotenv.Load(abs)
		}
	}
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "ordersig"
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Domain.ChainID == 0 {
		cfg.Domain.ChainID = 31337 // 本地开发
	}

	if cfg.Schema.Variant == "" && cfg.Schema.File == "" {
		cfg.Schema.Variant = string(order.VariantConditionsFirst)
	}

	if cfg.Signer.Timeout == 0 {
		cfg.Signer.Timeout = 5 * time.Second
	}

	if cfg.Ledger.CallTimeout == 0 {
		cfg.Ledger.CallTimeout = 10 * time.Second
	}
	if cfg.Ledger.MaxRetries == 0 {
		cfg.Ledger.MaxRetries = 3
	}
	if cfg.Ledger.RetryInterval == 0 {
		cfg.Ledger.RetryInterval = 500 * time.Millisecond
	}
	if cfg.Ledger.MaxRetryInterval == 0 {
		cfg.Ledger.MaxRetryInterval = 5 * time.Second
	}

	def := circuitbreaker.DefaultConfig()
	if cfg.Ledger.Breaker.FailureThreshold == 0 {
		cfg.Ledger.Breaker.FailureThreshold = def.FailureThreshold
	}
	if cfg.Ledger.Breaker.SuccessThreshold == 0 {
		cfg.Ledger.Breaker.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Ledger.Breaker.Timeout == 0 {
		cfg.Ledger.Breaker.Timeout = def.Timeout
	}
	if cfg.Ledger.Breaker.MaxHalfOpenRequests == 0 {
		cfg.Ledger.Breaker.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}
}

// Validate 校验配置, 连接性相关字段只检查格式
func (c *Config) Validate() error {
	if _, err := c.Domain.Build(); err != nil {
		return err
	}

	if c.Schema.File == "" {
		if _, err := order.Schema(order.Variant(c.Schema.Variant)); err != nil {
			return invalid("schema.variant", c.Schema.Variant, "unknown schema variant")
		}
	}

	if c.Signer.Timeout < 0 {
		return invalid("signer.timeout", c.Signer.Timeout.String(), "must not be negative")
	}

	if a := c.Ledger.ContractAddress; a != "" && !common.IsHexAddress(a) {
		return invalid("ledger.contract_address", a, "invalid address")
	}
	if c.Ledger.MaxRetries < 0 {
		return invalid("ledger.max_retries", "", "must not be negative")
	}
	if c.Ledger.CallTimeout < 0 || c.Ledger.RetryInterval < 0 {
		return invalid("ledger.call_timeout", c.Ledger.CallTimeout.String(), "durations must not be negative")
	}
	if c.Ledger.MaxRetryInterval < c.Ledger.RetryInterval {
		return invalid("ledger.max_retry_interval", c.Ledger.MaxRetryInterval.String(),
			"must not be less than retry_interval")
	}
	return nil
}

// domainFields EIP-712 域字段到配置键
var domainFields = map[string]string{
	"name":    "domain.name",
	"chainId": "domain.chain_id",
}

// Build 构建 EIP-712 域
func (c *DomainConfig) Build() (eip712.Domain, error) {
	d := eip712.Domain{
		Name:    c.Name,
		Version: c.Version,
		ChainID: big.NewInt(c.ChainID),
	}

	// 零地址合法, 本地哈希时合约可能尚未部署
	if c.VerifyingContract != "" {
		if !common.IsHexAddress(c.VerifyingContract) {
			return eip712.Domain{}, invalid("domain.verifying_contract", c.VerifyingContract, "invalid address")
		}
		d.VerifyingContract = common.HexToAddress(c.VerifyingContract)
	}

	if c.Salt != "" {
		salt, err := crypto.DecodeHex32(c.Salt)
		if err != nil {
			return eip712.Domain{}, invalid("domain.salt", c.Salt, "salt must be 32 bytes of hex")
		}
		h := common.Hash(salt)
		d.Salt = &h
	}

	if err := d.Validate(); err != nil {
		return eip712.Domain{}, errors.WrapWithCause(errors.ErrInvalidConfig, err, "invalid domain").
			WithDetail("field", domainFields[errors.GetDetail(err, "field")])
	}
	return d, nil
}

// Build 加载订单类型定义, 返回 Schema 和根类型名
func (c *SchemaConfig) Build() (*eip712.Schema, string, error) {
	if c.File != "" {
		return order.LoadSchemaFile(c.File)
	}
	s, err := order.Schema(order.Variant(c.Variant))
	if err != nil {
		return nil, "", err
	}
	return s, order.PrimaryType, nil
}

func invalid(field, value, reason string) error {
	details := map[string]string{"field": field}
	if value != "" {
		details["value"] = value
	}
	return errors.ErrInvalidConfig.WithMessagef("%s: %s", field, reason).WithDetails(details)
}
