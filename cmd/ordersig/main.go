// Package main 提供订单类型哈希, 签名与链上比对的命令行工具
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

const usage = `usage: ordersig <command> [flags]

commands:
  typehash   print canonical type strings and type hashes
  digest     compute domain separator, struct hash and signing digest of an order
  sign       sign an order with the configured key
  verify     verify an order signature against trader.signer
  check      cross-check local hashes with the clearinghouse contract

run "ordersig <command> -h" for command flags`

// 退出码
const (
	exitOK       = 0
	exitError    = 1
	exitUsage    = 2
	exitMismatch = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(exitCode(run(ctx, os.Args[1:], os.Stdout, os.Stderr), os.Stderr))
}

func exitCode(err error, stderr io.Writer) int {
	switch {
	case err == nil:
		return exitOK
	case err == errUsage:
		return exitUsage
	}
	fmt.Fprintf(stderr, "ordersig: %v\n", err)
	if code := errors.GetCode(err); code != "" {
		fmt.Fprintf(stderr, "code: %s\n", code)
	}
	for _, key := range []string{"type", "field", "path", "value", "expected", "actual", "reason"} {
		if v := errors.GetDetail(err, key); v != "" {
			fmt.Fprintf(stderr, "%s: %s\n", key, v)
		}
	}
	if errors.Is(err, errors.ErrMismatch) {
		return exitMismatch
	}
	return exitError
}
