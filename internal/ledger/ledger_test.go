package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

func TestParsePositionID(t *testing.T) {
	id, err := ParsePositionID("0xDEADbeef00000000000000000000000000000001/eth-usdc")
	if err != nil {
		t.Fatalf("合法标识解析失败: %v", err)
	}
	if id.Owner != "0xDEADbeef00000000000000000000000000000001" || id.Market != "eth-usdc" {
		t.Fatalf("解析结果不正确: %+v", id)
	}
	if id.String() != "0xDEADbeef00000000000000000000000000000001/eth-usdc" {
		t.Fatalf("String 往返不一致: %s", id.String())
	}
}

func TestParsePositionIDRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"owner-without-prefix/market",
		"0xabc",
		"0xabc/",
		"/market",
	} {
		if _, err := ParsePositionID(raw); err == nil {
			t.Fatalf("%q 应解析失败", raw)
		}
	}
}

func TestParsePositionIDKeepsMarketSlashes(t *testing.T) {
	// 市场名可能本身包含斜杠, 只按第一个斜杠切分。
	id, err := ParsePositionID("0xabc/pool/weth")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if id.Market != "pool/weth" {
		t.Fatalf("market 应保留内部斜杠, 实际 %s", id.Market)
	}
}

func TestIsRejection(t *testing.T) {
	rej := &RejectionError{Reason: "position not eligible"}
	if !IsRejection(rej) {
		t.Fatal("RejectionError 应被识别")
	}
	if !IsRejection(fmt.Errorf("submit: %w", rej)) {
		t.Fatal("包装后的 RejectionError 应被识别")
	}
	if IsRejection(errors.New("connection refused")) {
		t.Fatal("普通错误不应被识别为拒绝")
	}
}

func TestMarketKey(t *testing.T) {
	named := marketKey("eth-usdc")
	if named != crypto.Keccak256Hash([]byte("eth-usdc")) {
		t.Fatal("命名市场应取 keccak 哈希")
	}

	raw := "0x" + "12" + fmt.Sprintf("%062x", 0)
	if marketKey(raw).Hex() != raw {
		t.Fatalf("32 字节十六进制市场应原样使用, 实际 %s", marketKey(raw).Hex())
	}
}

func TestSubmitRescueRequiresControllerAddress(t *testing.T) {
	// 控制器地址缺失时必须在建连前拒绝, 否则交易会发往零地址。
	eth := NewEth(EthOptions{
		RPCURL:       "http://127.0.0.1:1",
		SignerKeyHex: "0x" + strings.Repeat("11", 32),
	}, zerolog.Nop())

	id, err := ParsePositionID("0xabc/eth-usdc")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if _, err := eth.SubmitRescue(context.Background(), id); err == nil ||
		!strings.Contains(err.Error(), "controller address") {
		t.Fatalf("缺少控制器地址应直接报错, 实际 %v", err)
	}
}

func TestIsRevert(t *testing.T) {
	if !isRevert(errors.New("execution reverted: not eligible")) {
		t.Fatal("revert 错误应被识别")
	}
	if isRevert(errors.New("dial tcp: connection refused")) {
		t.Fatal("网络错误不应被识别为 revert")
	}
	if isRevert(nil) {
		t.Fatal("nil 不应被识别为 revert")
	}
}
