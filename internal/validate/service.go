// Package validate 将本地计算的类型哈希, 结构体哈希和签名摘要与链上合约的结果逐项比对
package validate

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmontecoding/EIP712-OrderBook/internal/ledger"
	"github.com/cmontecoding/EIP712-OrderBook/internal/metrics"
	"github.com/cmontecoding/EIP712-OrderBook/internal/order"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/eip712"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/logger"
)

// 比对项
const (
	CheckTypeHash        = "typehash"
	CheckDigest          = "digest"
	CheckDomainSeparator = "domain_separator"
	CheckStructHash      = "struct_hash"
	CheckSigner          = "signer"
)

// Ledger 链上哈希来源, *ledger.Clearinghouse 满足该接口
type Ledger interface {
	Hash(ctx context.Context, o *order.Order) (common.Hash, error)
	HashExposed(ctx context.Context, o *order.Order) (eip712.Hashes, error)
	CanSettle(ctx context.Context, orders []order.SignedOrder) (*ledger.SettleCheck, error)
}

// Result 单项比对结果
type Result struct {
	Check    string
	Name     string
	Expected string
	Actual   string
	Match    bool
}

// Report 一次比对的全部结果
type Report struct {
	RunID   string
	Results []Result
}

// OK 所有比对项一致
func (r *Report) OK() bool {
	for _, res := range r.Results {
		if !res.Match {
			return false
		}
	}
	return true
}

// Err 第一个不一致项对应的 HASH_MISMATCH 错误
func (r *Report) Err() error {
	for _, res := range r.Results {
		if !res.Match {
			return mismatchErr(res)
		}
	}
	return nil
}

// Service 比对服务
type Service struct {
	ledger  Ledger
	schema  *eip712.Schema
	domain  eip712.Domain
	primary string
}

// NewService 创建比对服务, ledger 为 nil 时只能做本地比对
func NewService(l Ledger, schema *eip712.Schema, domain eip712.Domain, primary string) (*Service, error) {
	if schema == nil {
		return nil, errors.ErrPrecondition.WithMessage("nil schema")
	}
	if !schema.Has(primary) {
		return nil, errors.ErrSchema.WithMessagef("unknown primary type %s", primary).WithDetail("type", primary)
	}
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	return &Service{ledger: l, schema: schema, domain: domain, primary: primary}, nil
}

// CheckTypeHashes 比对本地类型哈希与给定常量表 (合约中的 *_TYPEHASH)
func (s *Service) CheckTypeHashes(ctx context.Context, expected map[string]common.Hash) (*Report, error) {
	ctx, report := s.begin(ctx)

	names := make([]string, 0, len(expected))
	for name := range expected {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		local, err := s.schema.TypeHash(name)
		if err != nil {
			metrics.RecordCheck(CheckTypeHash, "error")
			return report, err
		}
		s.compare(ctx, report, CheckTypeHash, name, expected[name], local)
	}
	return report, report.Err()
}

// CheckOrder 比对订单的本地哈希与合约 hashExposed/hash 的返回值
func (s *Service) CheckOrder(ctx context.Context, o *order.Order) (*Report, error) {
	if o == nil {
		return nil, errors.ErrPrecondition.WithMessage("order is nil")
	}
	if s.ledger == nil {
		return nil, errors.ErrPrecondition.WithMessage("ledger is not configured").WithDetail("field", "ledger.contract_address")
	}
	ctx, report := s.begin(ctx)

	local, err := eip712.ComputeHashes(s.schema, s.domain, s.primary, o.Message())
	if err != nil {
		return report, err
	}

	remote, err := s.ledger.HashExposed(ctx, o)
	if err != nil {
		s.ledgerFailed(ctx, ledger.MethodHashExposed, err)
		return report, err
	}
	s.compare(ctx, report, CheckDomainSeparator, ledger.MethodHashExposed, remote.DomainSeparator, local.DomainSeparator)
	s.compare(ctx, report, CheckStructHash, ledger.MethodHashExposed, remote.StructHash, local.StructHash)
	s.compare(ctx, report, CheckDigest, ledger.MethodHashExposed, remote.Digest, local.Digest)

	digest, err := s.ledger.Hash(ctx, o)
	if err != nil {
		s.ledgerFailed(ctx, ledger.MethodHash, err)
		return report, err
	}
	s.compare(ctx, report, CheckDigest, ledger.MethodHash, digest, local.Digest)

	return report, report.Err()
}

// CheckSignature 校验签名恢复出的地址等于 expected
func (s *Service) CheckSignature(ctx context.Context, digest common.Hash, sig []byte, expected common.Address) error {
	ctx, _ = s.begin(ctx)

	actual, err := eip712.RecoverAddress(digest.Bytes(), sig)
	if err != nil {
		metrics.RecordCheck(CheckSigner, "error")
		return err
	}
	res := Result{
		Check:    CheckSigner,
		Name:     "signature",
		Expected: expected.Hex(),
		Actual:   actual.Hex(),
		Match:    actual == expected,
	}
	s.record(ctx, res)
	if !res.Match {
		return mismatchErr(res)
	}
	return nil
}

// CheckSettlement 调用 canSettle 做结算预检, 合约拒绝时返回原因
func (s *Service) CheckSettlement(ctx context.Context, orders []order.SignedOrder) (*ledger.SettleCheck, error) {
	if s.ledger == nil {
		return nil, errors.ErrPrecondition.WithMessage("ledger is not configured").WithDetail("field", "ledger.contract_address")
	}
	ctx, _ = s.begin(ctx)
	log := logger.WithContext(ctx)

	res, err := s.ledger.CanSettle(ctx, orders)
	if err != nil {
		s.ledgerFailed(ctx, ledger.MethodCanSettle, err)
		return nil, err
	}
	if res.Success {
		log.Info("settlement check passed", zap.Int("orders", len(orders)))
	} else {
		log.Warn("settlement check rejected", zap.Int("orders", len(orders)), zap.String("reason", res.Reason))
	}
	return res, nil
}

func (s *Service) begin(ctx context.Context) (context.Context, *Report) {
	runID := uuid.New().String()
	return logger.NewContext(ctx, zap.String("run_id", runID)), &Report{RunID: runID}
}

func (s *Service) compare(ctx context.Context, report *Report, check, name string, expected, actual common.Hash) {
	res := Result{
		Check:    check,
		Name:     name,
		Expected: expected.Hex(),
		Actual:   actual.Hex(),
		Match:    expected == actual,
	}
	report.Results = append(report.Results, res)
	s.record(ctx, res)
}

func (s *Service) record(ctx context.Context, res Result) {
	log := logger.WithContext(ctx)
	fields := []zap.Field{
		zap.String("check", res.Check),
		zap.String("name", res.Name),
		zap.String("expected", res.Expected),
		zap.String("actual", res.Actual),
	}
	if res.Match {
		metrics.RecordCheck(res.Check, "match")
		log.Debug("check matched", fields...)
		return
	}
	metrics.RecordCheck(res.Check, "mismatch")
	log.Error("check mismatched", fields...)
}

func (s *Service) ledgerFailed(ctx context.Context, method string, err error) {
	metrics.RecordCheck(method, "error")
	logger.WithContext(ctx).Error("ledger call failed",
		zap.String("method", method),
		zap.String("code", errors.GetCode(err)),
		zap.Error(err),
	)
}

func mismatchErr(res Result) error {
	return errors.ErrMismatch.WithMessagef("%s %s: expected %s, got %s", res.Check, res.Name, res.Expected, res.Actual).
		WithDetails(map[string]string{
			"field":    res.Check,
			"name":     res.Name,
			"expected": res.Expected,
			"actual":   res.Actual,
		})
}
