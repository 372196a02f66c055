package hederaid

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestToEVM(t *testing.T) {
	cases := []struct {
		in   string
		want common.Address
	}{
		{"0.0.1234", common.HexToAddress("0x00000000000000000000000000000000000004d2")},
		{"0.0.0", common.Address{}},
		{"1.2.3", common.HexToAddress("0x0000000100000000000000020000000000000003")},
		{"0x00000000000000000000000000000000000004D2", common.HexToAddress("0x00000000000000000000000000000000000004d2")},
		{"0x436c9aC7F4a2B3A6E4B5f0c1e0d2A1B6C7d8E9F0", common.HexToAddress("0x436c9ac7f4a2b3a6e4b5f0c1e0d2a1b6c7d8e9f0")},
	}
	for _, tc := range cases {
		got, err := ToEVM(tc.in)
		if err != nil {
			t.Fatalf("ToEVM(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ToEVM(%q) = %s, want %s", tc.in, got.Hex(), tc.want.Hex())
		}
	}
}

func TestToEVMRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "0.0", "0.0.1.2", "0.0.-1", "0.0.abc", "0.0.1a", "a.b.c", "0.0.", "4294967296.0.1", "65536.0.1", "0.4294967296.1", "0x1234"} {
		if _, err := ToEVM(in); !errors.Is(err, ErrInvalidIdentifier) {
			t.Fatalf("ToEVM(%q) err = %v, want ErrInvalidIdentifier", in, err)
		}
	}
}

func TestFromEVMRoundTrip(t *testing.T) {
	id, err := Parse("0.0.7029847")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	back, ok := FromEVM(id.EVM())
	if !ok {
		t.Fatalf("expected long-zero address to map back")
	}
	if back != id {
		t.Fatalf("round trip = %s, want %s", back, id)
	}

	if _, ok := FromEVM(common.HexToAddress("0x436c9ac7f4a2b3a6e4b5f0c1e0d2a1b6c7d8e9f0")); ok {
		t.Fatalf("alias address should not map to an id")
	}
}

func TestFromEVMRoundTripsBounds(t *testing.T) {
	for _, in := range []string{"0.0.1", "65535.0.1", "0.4294967295.1", "65535.4294967295.18446744073709551615"} {
		id, err := Parse(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		back, ok := FromEVM(id.EVM())
		if !ok || back != id {
			t.Fatalf("%q did not round trip: %s, %v", in, back, ok)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("0.0.1234", "0x00000000000000000000000000000000000004d2") {
		t.Fatalf("expected id and long-zero address to be equal")
	}
	if Equal("0.0.1234", "0.0.1235") {
		t.Fatalf("distinct ids should differ")
	}
	if Equal("bogus", "bogus") {
		t.Fatalf("invalid identifiers never compare equal")
	}
}
