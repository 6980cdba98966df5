package chain

import (
	"math/big"
	"testing"
)

func TestParseBig(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"0x0", "0"},
		{"0x", "0"},
		{"", "0"},
		{"0x10", "16"},
		{"0xde0b6b3a7640000", "1000000000000000000"},
	}
	for _, tc := range cases {
		got, err := ParseBig(tc.input)
		if err != nil {
			t.Fatalf("ParseBig(%q) 返回错误: %v", tc.input, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ParseBig(%q) = %s, 期望 %s", tc.input, got, tc.want)
		}
	}

	if _, err := ParseBig("0xzz"); err == nil {
		t.Fatal("非法十六进制应当报错")
	}
}

func TestParseUint64Overflow(t *testing.T) {
	if _, err := ParseUint64("0xffffffffffffffffff"); err == nil {
		t.Fatal("超出 uint64 范围应当报错")
	}
	got, err := ParseUint64("0x5208")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if got != 21000 {
		t.Fatalf("期望 21000，得到 %d", got)
	}
}

func TestFormatUnits(t *testing.T) {
	wei := new(big.Int)
	wei.SetString("1500000000000000000", 10)
	if got := FormatUnits(wei, 18, 6); got != "1.500000" {
		t.Fatalf("期望 1.500000，得到 %s", got)
	}

	usdc := big.NewInt(1234567)
	if got := FormatUnits(usdc, 6, 2); got != "1.23" {
		t.Fatalf("期望 1.23，得到 %s", got)
	}

	if got := FormatUnits(nil, 6, 2); got != "0.00" {
		t.Fatalf("nil 应当格式化为 0.00，得到 %s", got)
	}
}

func TestGroupThousands(t *testing.T) {
	cases := map[string]string{
		"1":        "1",
		"999":      "999",
		"1000":     "1,000",
		"21000":    "21,000",
		"1234567":  "1,234,567",
		"-1234567": "-1,234,567",
	}
	for input, want := range cases {
		if got := GroupThousands(input); got != want {
			t.Fatalf("GroupThousands(%q) = %q, 期望 %q", input, got, want)
		}
	}
}
