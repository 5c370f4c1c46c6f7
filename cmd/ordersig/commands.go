package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cmontecoding/EIP712-OrderBook/internal/config"
	"github.com/cmontecoding/EIP712-OrderBook/internal/ledger"
	"github.com/cmontecoding/EIP712-OrderBook/internal/order"
	"github.com/cmontecoding/EIP712-OrderBook/internal/signer"
	"github.com/cmontecoding/EIP712-OrderBook/internal/validate"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/crypto"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/eip712"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/logger"
)

var errUsage = stderrors.New("usage")

// stringList 可重复的字符串参数
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type options struct {
	configPath  string
	metricsAddr string
	orders      stringList
	signatures  stringList
	expected    string
	settle      bool
}

// env 单次命令的运行环境
type env struct {
	cfg     *config.Config
	opts    *options
	schema  *eip712.Schema
	primary string
	domain  eip712.Domain
	stdout  io.Writer
	docSigs []string
}

type command func(ctx context.Context, e *env) error

var commands = map[string]command{
	"typehash": runTypeHash,
	"digest":   runDigest,
	"sign":     runSign,
	"verify":   runVerify,
	"check":    runCheck,
}

func (o *options) register(fs *flag.FlagSet, name string) {
	fs.StringVar(&o.configPath, "config", "config/config.yaml", "config file path")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	switch name {
	case "typehash":
		fs.StringVar(&o.expected, "expected", "", "YAML file of expected type hashes (TypeName: 0x...)")
	case "digest", "sign":
		fs.Var(&o.orders, "order", "order document (repeatable)")
	case "verify":
		fs.Var(&o.orders, "order", "order document (repeatable)")
		fs.Var(&o.signatures, "signature", "hex signature, one per -order; defaults to the signature field of each order document")
	case "check":
		fs.Var(&o.orders, "order", "order document (repeatable)")
		fs.Var(&o.signatures, "signature", "hex signature, one per -order; signed with the configured key when omitted")
		fs.BoolVar(&o.settle, "settle", false, "also run the canSettle pre-flight on all orders")
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage)
		return errUsage
	}
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s\n", name, usage)
		return errUsage
	}

	opts := &options{}
	fs := flag.NewFlagSet("ordersig "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts.register(fs, name)
	if err := fs.Parse(args[1:]); err != nil {
		return errUsage
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	// 日志写 stderr, stdout 只输出结果
	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Service.Name,
		Environment: cfg.Service.Env,
		Output:      stderr,
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if opts.metricsAddr != "" {
		stopMetrics := serveMetrics(opts.metricsAddr)
		defer stopMetrics()
	}

	e := &env{cfg: cfg, opts: opts, stdout: stdout}
	if e.schema, e.primary, err = cfg.Schema.Build(); err != nil {
		return err
	}
	if e.domain, err = cfg.Domain.Build(); err != nil {
		return err
	}

	logger.Debug("running command",
		zap.String("command", name),
		zap.String("schema", cfg.Schema.Variant),
		zap.String("domain", cfg.Domain.Name),
		zap.Int64("chain_id", cfg.Domain.ChainID),
	)
	return cmd(ctx, e)
}

func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("metrics server started", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}
}

// =============================================================================
// typehash
// =============================================================================

type typeHashOutput struct {
	PrimaryType    string           `json:"primary_type"`
	DomainTypeHash string           `json:"domain_type_hash"`
	Types          []typeEntry      `json:"types"`
	Checks         []validateResult `json:"checks,omitempty"`
}

type typeEntry struct {
	Name      string `json:"name"`
	Canonical string `json:"canonical"`
	TypeHash  string `json:"type_hash"`
}

func runTypeHash(ctx context.Context, e *env) error {
	out := typeHashOutput{PrimaryType: e.primary}

	domainSchema, err := e.domain.Schema()
	if err != nil {
		return err
	}
	dh, err := eip712.ComputeTypeHash(domainSchema, eip712.DomainType)
	if err != nil {
		return err
	}
	out.DomainTypeHash = dh.Hex()

	for _, name := range e.schema.Names() {
		canonical, err := e.schema.CanonicalString(name)
		if err != nil {
			return err
		}
		h, err := e.schema.TypeHash(name)
		if err != nil {
			return err
		}
		out.Types = append(out.Types, typeEntry{Name: name, Canonical: canonical, TypeHash: h.Hex()})
	}

	var checkErr error
	if e.opts.expected != "" {
		expected, err := loadExpected(e.opts.expected)
		if err != nil {
			return err
		}
		svc, err := validate.NewService(nil, e.schema, e.domain, e.primary)
		if err != nil {
			return err
		}
		report, err := svc.CheckTypeHashes(ctx, expected)
		if report != nil {
			out.Checks = results(report)
		}
		if err != nil && !errors.Is(err, errors.ErrMismatch) {
			return err
		}
		checkErr = err
	}

	if err := writeJSON(e.stdout, out); err != nil {
		return err
	}
	return checkErr
}

// loadExpected 读取 TypeName: 0x... 形式的类型哈希表
func loadExpected(path string) (map[string]common.Hash, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithCause(errors.ErrInvalidConfig, err, "read %s", path)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.WrapWithCause(errors.ErrInvalidConfig, err, "parse %s", path)
	}
	out := make(map[string]common.Hash, len(raw))
	for name, v := range raw {
		b, err := crypto.DecodeHex32(v)
		if err != nil {
			return nil, errors.ErrInvalidConfig.WithMessagef("%s: type hash of %s must be 32 bytes of hex", path, name).
				WithDetails(map[string]string{"type": name, "value": v})
		}
		out[name] = common.Hash(b)
	}
	return out, nil
}

// =============================================================================
// digest / sign
// =============================================================================

type hashesOutput struct {
	Order           string `json:"order"`
	DomainSeparator string `json:"domain_separator"`
	StructHash      string `json:"struct_hash"`
	Digest          string `json:"digest"`
	Signature       string `json:"signature,omitempty"`
	Signer          string `json:"signer,omitempty"`
}

func newHashesOutput(path string, h eip712.Hashes) hashesOutput {
	return hashesOutput{
		Order:           path,
		DomainSeparator: h.DomainSeparator.Hex(),
		StructHash:      h.StructHash.Hex(),
		Digest:          h.Digest.Hex(),
	}
}

func runDigest(_ context.Context, e *env) error {
	orders, err := e.loadOrders()
	if err != nil {
		return err
	}
	out := make([]hashesOutput, 0, len(orders))
	for i, o := range orders {
		h, err := eip712.ComputeHashes(e.schema, e.domain, e.primary, o.Message())
		if err != nil {
			return err
		}
		out = append(out, newHashesOutput(e.opts.orders[i], h))
	}
	return writeJSON(e.stdout, out)
}

func runSign(ctx context.Context, e *env) error {
	orders, err := e.loadOrders()
	if err != nil {
		return err
	}
	s, err := e.signer()
	if err != nil {
		return err
	}
	out := make([]hashesOutput, 0, len(orders))
	for i, o := range orders {
		signed, err := signer.SignOrder(ctx, s, e.schema, e.domain, e.primary, o)
		if err != nil {
			return err
		}
		res := newHashesOutput(e.opts.orders[i], signed.Hashes)
		res.Signature = crypto.EncodeHex(signed.Signature)
		res.Signer = s.Address().Hex()
		out = append(out, res)
	}
	return writeJSON(e.stdout, out)
}

// =============================================================================
// verify
// =============================================================================

type verifyOutput struct {
	Order  string `json:"order"`
	Digest string `json:"digest"`
	Signer string `json:"signer"`
	Valid  bool   `json:"valid"`
}

func runVerify(ctx context.Context, e *env) error {
	orders, err := e.loadOrders()
	if err != nil {
		return err
	}
	sigs, err := e.parseSignatures(len(orders))
	if err != nil {
		return err
	}
	svc, err := validate.NewService(nil, e.schema, e.domain, e.primary)
	if err != nil {
		return err
	}

	var firstErr error
	out := make([]verifyOutput, 0, len(orders))
	for i, o := range orders {
		digest, err := eip712.ComputeDigest(e.schema, e.domain, e.primary, o.Message())
		if err != nil {
			return err
		}
		err = svc.CheckSignature(ctx, digest, sigs[i], o.Trader.Signer)
		if err != nil && !errors.Is(err, errors.ErrMismatch) {
			return err
		}
		if firstErr == nil {
			firstErr = err
		}
		out = append(out, verifyOutput{
			Order:  e.opts.orders[i],
			Digest: digest.Hex(),
			Signer: o.Trader.Signer.Hex(),
			Valid:  err == nil,
		})
	}
	if err := writeJSON(e.stdout, out); err != nil {
		return err
	}
	return firstErr
}

// =============================================================================
// check
// =============================================================================

type checkOutput struct {
	Orders     []orderCheck  `json:"orders"`
	Settlement *settleOutput `json:"settlement,omitempty"`
}

type orderCheck struct {
	Order   string           `json:"order"`
	RunID   string           `json:"run_id"`
	Results []validateResult `json:"results"`
}

type validateResult struct {
	Check    string `json:"check"`
	Name     string `json:"name"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Match    bool   `json:"match"`
}

type settleOutput struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

func results(r *validate.Report) []validateResult {
	out := make([]validateResult, len(r.Results))
	for i, res := range r.Results {
		out[i] = validateResult(res)
	}
	return out
}

func runCheck(ctx context.Context, e *env) error {
	orders, err := e.loadOrders()
	if err != nil {
		return err
	}

	ch, closeLedger, err := e.clearinghouse(ctx)
	if err != nil {
		return err
	}
	defer closeLedger()

	svc, err := validate.NewService(ch, e.schema, e.domain, e.primary)
	if err != nil {
		return err
	}

	var firstErr error
	out := checkOutput{Orders: make([]orderCheck, 0, len(orders))}
	for i, o := range orders {
		report, err := svc.CheckOrder(ctx, o)
		if err != nil && !errors.Is(err, errors.ErrMismatch) {
			return err
		}
		if firstErr == nil {
			firstErr = err
		}
		out.Orders = append(out.Orders, orderCheck{Order: e.opts.orders[i], RunID: report.RunID, Results: results(report)})
	}

	if e.opts.settle {
		signed, err := e.signedOrders(ctx, orders)
		if err != nil {
			return err
		}
		res, err := svc.CheckSettlement(ctx, signed)
		if err != nil {
			return err
		}
		out.Settlement = &settleOutput{Success: res.Success, Reason: res.Reason}
	}

	if err := writeJSON(e.stdout, out); err != nil {
		return err
	}
	return firstErr
}

// signedOrders 使用 -signature 给定的签名, 未给定时用配置的私钥签名
func (e *env) signedOrders(ctx context.Context, orders []*order.Order) ([]order.SignedOrder, error) {
	out := make([]order.SignedOrder, len(orders))
	if e.hasSignatures() {
		sigs, err := e.parseSignatures(len(orders))
		if err != nil {
			return nil, err
		}
		for i, o := range orders {
			out[i] = order.SignedOrder{Order: o, Signature: sigs[i]}
		}
		return out, nil
	}

	s, err := e.signer()
	if err != nil {
		return nil, err
	}
	for i, o := range orders {
		signed, err := signer.SignOrder(ctx, s, e.schema, e.domain, e.primary, o)
		if err != nil {
			return nil, err
		}
		out[i] = order.SignedOrder{Order: o, Signature: signed.Signature}
	}
	return out, nil
}

// =============================================================================
// helpers
// =============================================================================

func (e *env) loadOrders() ([]*order.Order, error) {
	if len(e.opts.orders) == 0 {
		return nil, errors.ErrPrecondition.WithMessage("at least one -order is required").WithDetail("field", "order")
	}
	orders := make([]*order.Order, 0, len(e.opts.orders))
	e.docSigs = e.docSigs[:0]
	for _, path := range e.opts.orders {
		doc, err := order.LoadDocument(path)
		if err != nil {
			return nil, err
		}
		o, err := doc.Order()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
		e.docSigs = append(e.docSigs, doc.Signature)
	}
	return orders, nil
}

// parseSignatures -signature 优先, 否则使用订单文档中的 signature
func (e *env) parseSignatures(n int) ([][]byte, error) {
	values := []string(e.opts.signatures)
	if len(values) == 0 && !hasEmpty(e.docSigs) {
		values = e.docSigs
	}
	if len(values) != n {
		return nil, errors.ErrPrecondition.WithMessagef("expected %d signatures, got %d", n, len(values)).
			WithDetail("field", "signature")
	}
	sigs := make([][]byte, len(values))
	for i, v := range values {
		sig, err := eip712.ParseSignatureHex(v)
		if err != nil {
			return nil, err
		}
		sigs[i] = sig.Bytes()
	}
	return sigs, nil
}

func (e *env) hasSignatures() bool {
	return len(e.opts.signatures) > 0 || (len(e.docSigs) > 0 && !hasEmpty(e.docSigs))
}

func hasEmpty(values []string) bool {
	for _, v := range values {
		if v == "" {
			return true
		}
	}
	return false
}

func (e *env) signer() (signer.Signer, error) {
	s, err := signer.NewKeySigner(e.cfg.Signer.PrivateKey, e.cfg.Signer.Timeout)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (e *env) clearinghouse(ctx context.Context) (*ledger.Clearinghouse, func(), error) {
	lc := e.cfg.Ledger
	if lc.ContractAddress == "" {
		return nil, nil, errors.ErrInvalidConfig.WithMessage("contract address is required for check").
			WithDetail("field", "ledger.contract_address")
	}
	client, err := ledger.NewClient(ctx, &ledger.ClientConfig{
		RPCURLs:          lc.RPCURLs(),
		CallTimeout:      lc.CallTimeout,
		MaxRetries:       lc.MaxRetries,
		RetryInterval:    lc.RetryInterval,
		MaxRetryInterval: lc.MaxRetryInterval,
		Breaker:          &lc.Breaker,
	})
	if err != nil {
		return nil, nil, err
	}
	ch, err := ledger.NewClearinghouse(client, common.HexToAddress(lc.ContractAddress), e.schema, e.primary)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return ch, client.Close, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
