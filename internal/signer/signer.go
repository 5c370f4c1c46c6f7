// Package signer 提供签名能力: 给定 32 字节摘要返回 65 字节 r||s||v 签名
package signer

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/cmontecoding/EIP712-OrderBook/internal/metrics"
	"github.com/cmontecoding/EIP712-OrderBook/internal/order"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/crypto"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/eip712"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/logger"
)

// Signer 签名能力
type Signer interface {
	// Address 签名地址
	Address() common.Address
	// Sign 对摘要签名, 可被 ctx 取消
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// KeySigner 本地 secp256k1 私钥签名
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	timeout time.Duration
}

// NewKeySigner 从 hex 私钥创建签名器, 0x 前缀可选; timeout 为 0 表示不限时
func NewKeySigner(hexKey string, timeout time.Duration) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.ErrInvalidConfig.WithMessage("private key is required").WithDetail("field", "signer.private_key")
	}
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		// 不回显私钥内容
		return nil, errors.ErrInvalidConfig.WithMessage("invalid private key").WithDetail("field", "signer.private_key")
	}
	return &KeySigner{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		timeout: timeout,
	}, nil
}

// Address 返回私钥对应地址
func (s *KeySigner) Address() common.Address {
	return s.address
}

// Sign 对摘要签名, v 为 27/28
func (s *KeySigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != crypto.HashLength {
		return nil, errors.ErrPrecondition.WithMessagef("digest must be %d bytes, got %d", crypto.HashLength, len(digest)).
			WithDetail("field", "digest")
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.WrapWithCause(errors.ErrSignerFailed, err, "sign digest")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	type result struct {
		sig []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := ethcrypto.Sign(digest, s.key)
		done <- result{sig, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.WrapWithCause(errors.ErrSignerFailed, ctx.Err(), "sign digest")
	case r := <-done:
		if r.err != nil {
			return nil, errors.WrapWithCause(errors.ErrSignerFailed, r.err, "sign digest")
		}
		r.sig[64] += 27
		return r.sig, nil
	}
}

// Signed 签名结果
type Signed struct {
	eip712.Hashes
	Signature []byte
}

// SignOrder 计算订单摘要并签名
// 签名地址必须等于 trader.signer, 签名后本地恢复地址再校验一次
func SignOrder(ctx context.Context, s Signer, schema *eip712.Schema, domain eip712.Domain, primary string, o *order.Order) (*Signed, error) {
	log := logger.WithContext(ctx)

	if o == nil {
		metrics.RecordSignature("rejected")
		return nil, errors.ErrPrecondition.WithMessage("order is nil")
	}
	if s.Address() != o.Trader.Signer {
		metrics.RecordSignature("rejected")
		return nil, errors.ErrPrecondition.WithMessage("wallet address not equal to order signer").
			WithDetails(map[string]string{
				"field":  "trader.signer",
				"value":  o.Trader.Signer.Hex(),
				"wallet": s.Address().Hex(),
			})
	}

	hashes, err := eip712.ComputeHashes(schema, domain, primary, o.Message())
	if err != nil {
		metrics.RecordSignature("rejected")
		return nil, err
	}

	sig, err := s.Sign(ctx, hashes.Digest.Bytes())
	if err != nil {
		metrics.RecordSignature("failed")
		log.Warn("sign order failed", zap.String("digest", hashes.Digest.Hex()), zap.Error(err))
		return nil, err
	}

	ok, err := eip712.Verify(hashes.Digest.Bytes(), sig, o.Trader.Signer)
	if err != nil {
		metrics.RecordSignature("failed")
		return nil, err
	}
	if !ok {
		metrics.RecordSignature("failed")
		return nil, errors.ErrMismatch.WithMessage("signature does not recover to order signer").
			WithDetails(map[string]string{"field": "signature", "value": crypto.EncodeHex(sig)})
	}

	metrics.RecordSignature("success")
	log.Info("order signed",
		zap.String("signer", s.Address().Hex()),
		zap.String("digest", hashes.Digest.Hex()),
		zap.String("struct_hash", hashes.StructHash.Hex()),
	)
	return &Signed{Hashes: hashes, Signature: sig}, nil
}
