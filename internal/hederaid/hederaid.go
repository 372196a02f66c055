package hederaid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidIdentifier is returned when an input is neither an EVM address nor
// a shard.realm.num identifier.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// Shard and realm bounds accepted by Parse. Wider values would encode into
// addresses FromEVM cannot tell apart from aliases.
const (
	MaxShard = 0xFFFF
	MaxRealm = 0xFFFFFFFF
)

// ID is a hierarchical entity identifier (account, token or contract).
// Shard is at most MaxShard and Realm at most MaxRealm.
type ID struct {
	Shard uint32
	Realm uint64
	Num   uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d.%d.%d", id.Shard, id.Realm, id.Num)
}

// EVM returns the long-zero address for the identifier:
// 4 bytes shard, 8 bytes realm, 8 bytes num, big-endian.
func (id ID) EVM() common.Address {
	var addr common.Address
	binary.BigEndian.PutUint32(addr[0:4], id.Shard)
	binary.BigEndian.PutUint64(addr[4:12], id.Realm)
	binary.BigEndian.PutUint64(addr[12:20], id.Num)
	return addr
}

// Parse decomposes s into exactly three non-negative decimal integers.
func Parse(s string) (ID, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	var nums [3]uint64
	for i, p := range parts {
		if p == "" {
			return ID{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
		}
		nums[i] = n
	}
	if nums[0] > MaxShard {
		return ID{}, fmt.Errorf("%w: shard out of range in %q", ErrInvalidIdentifier, s)
	}
	if nums[1] > MaxRealm {
		return ID{}, fmt.Errorf("%w: realm out of range in %q", ErrInvalidIdentifier, s)
	}
	return ID{Shard: uint32(nums[0]), Realm: nums[1], Num: nums[2]}, nil
}

// IsEVM reports whether s is already in 0x-prefixed 20-byte hex form.
func IsEVM(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// ToEVM resolves an identifier to its EVM address. Inputs already in EVM form
// are returned as-is.
func ToEVM(s string) (common.Address, error) {
	if IsEVM(s) {
		return common.HexToAddress(strings.TrimSpace(s)), nil
	}
	id, err := Parse(s)
	if err != nil {
		return common.Address{}, err
	}
	return id.EVM(), nil
}

// FromEVM maps a long-zero address back to its identifier. It reports false for
// addresses that are EVM aliases and carry no hierarchical id. Every ID that
// Parse accepts round-trips through EVM and FromEVM.
func FromEVM(addr common.Address) (ID, bool) {
	// shard above MaxShard or realm above MaxRealm
	if addr[0] != 0 || addr[1] != 0 {
		return ID{}, false
	}
	if addr[4] != 0 || addr[5] != 0 || addr[6] != 0 || addr[7] != 0 {
		return ID{}, false
	}
	return ID{
		Shard: binary.BigEndian.Uint32(addr[0:4]),
		Realm: binary.BigEndian.Uint64(addr[4:12]),
		Num:   binary.BigEndian.Uint64(addr[12:20]),
	}, true
}

// Equal reports whether two identifiers resolve to the same address.
func Equal(a, b string) bool {
	ea, err := ToEVM(a)
	if err != nil {
		return false
	}
	eb, err := ToEVM(b)
	if err != nil {
		return false
	}
	return ea == eb
}
