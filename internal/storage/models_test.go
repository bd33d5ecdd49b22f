package storage

import (
	"testing"

	"position-rescue-alerts/internal/ledger"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from ActionStatus
		to   ActionStatus
		want bool
	}{
		{StatusPending, StatusSubmitted, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusConfirmed, false},
		{StatusSubmitted, StatusConfirmed, true},
		{StatusSubmitted, StatusFailed, true},
		{StatusSubmitted, StatusPending, false},
		{StatusConfirmed, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusSubmitted, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s 应为 %v", tc.from, tc.to, tc.want)
		}
	}
}

func TestResolved(t *testing.T) {
	if StatusPending.Resolved() || StatusSubmitted.Resolved() {
		t.Fatal("pending/submitted 不应视为已终结")
	}
	if !StatusConfirmed.Resolved() || !StatusFailed.Resolved() {
		t.Fatal("confirmed/failed 应视为已终结")
	}
}

func TestActionIDDeterministic(t *testing.T) {
	id := ledger.PositionID{Owner: "0xabc", Market: "eth-usdc"}

	first := ActionID(id, 1700000000)
	second := ActionID(id, 1700000000)
	if first != second {
		t.Fatalf("相同触发应得到相同标识: %s vs %s", first, second)
	}
	if first != "0xabc/eth-usdc@1700000000" {
		t.Fatalf("标识格式不正确: %s", first)
	}
	if next := ActionID(id, 1700000030); next == first {
		t.Fatal("不同触发纪元应得到不同标识")
	}
}

func TestRetryActionID(t *testing.T) {
	id := ledger.PositionID{Owner: "0xabc", Market: "eth-usdc"}

	if got := RetryActionID(id, 1700000000, 0); got != ActionID(id, 1700000000) {
		t.Fatalf("序号 0 应等于原始标识, 实际 %s", got)
	}
	if got := RetryActionID(id, 1700000000, 2); got != "0xabc/eth-usdc@1700000000#2" {
		t.Fatalf("重试标识格式不正确: %s", got)
	}
	if RetryActionID(id, 1700000000, 1) == RetryActionID(id, 1700000000, 2) {
		t.Fatal("不同序号应得到不同标识")
	}
}

func TestPositionOfAction(t *testing.T) {
	if got := positionOfAction("0xabc/eth-usdc@1700000000"); got != "0xabc/eth-usdc" {
		t.Fatalf("应取回仓位标识, 实际 %s", got)
	}
	if got := positionOfAction("0xabc/eth-usdc@1700000000#2"); got != "0xabc/eth-usdc" {
		t.Fatalf("带重试序号的标识也应取回仓位, 实际 %s", got)
	}
	if got := positionOfAction("no-epoch-marker"); got != "no-epoch-marker" {
		t.Fatalf("无纪元分隔符时应原样返回, 实际 %s", got)
	}
}

func TestAllowedPriors(t *testing.T) {
	cases := []struct {
		next ActionStatus
		want []string
	}{
		{StatusSubmitted, []string{"pending"}},
		{StatusConfirmed, []string{"submitted"}},
		{StatusFailed, []string{"pending", "submitted"}},
	}

	for _, tc := range cases {
		got := allowedPriors(tc.next)
		if len(got) != len(tc.want) {
			t.Fatalf("%s 的前置状态数量不符: %v", tc.next, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s 的前置状态不符: %v", tc.next, got)
			}
		}
	}
}
