// Package crypto 提供 EIP-712 哈希所需的字节与哈希原语
package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HashLength Keccak256 摘要长度
const HashLength = 32

// Keccak256 计算 Keccak256 哈希 (多段输入按顺序拼接)
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

// Keccak256Hash 计算 Keccak256 哈希并返回定长数组
func Keccak256Hash(data ...[]byte) [HashLength]byte {
	var out [HashLength]byte
	copy(out[:], Keccak256(data...))
	return out
}

// Concat 拼接字节串
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// PadLeft 左侧补零到 size 字节 (整数、地址右对齐)
// 超长输入保留低位 size 字节
func PadLeft(data []byte, size int) []byte {
	if len(data) >= size {
		return data[len(data)-size:]
	}
	result := make([]byte, size)
	copy(result[size-len(data):], data)
	return result
}

// PadRight 右侧补零到 size 字节 (定长 bytesN 左对齐)
// 超长输入保留前 size 字节
func PadRight(data []byte, size int) []byte {
	if len(data) >= size {
		return data[:size]
	}
	result := make([]byte, size)
	copy(result, data)
	return result
}

// EncodeHex 编码为带 0x 前缀的 hex 字符串
func EncodeHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// DecodeHex 解码 hex 字符串, 0x 前缀可选
func DecodeHex(s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("hex string has odd length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return b, nil
}

// DecodeHex32 解码恰好 32 字节的 hex 字符串
func DecodeHex32(s string) ([HashLength]byte, error) {
	var out [HashLength]byte
	b, err := DecodeHex(s)
	if err != nil {
		return out, err
	}
	if len(b) != HashLength {
		return out, fmt.Errorf("expected %d bytes, got %d", HashLength, len(b))
	}
	copy(out[:], b)
	return out, nil
}
