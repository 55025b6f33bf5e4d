package collector

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	typeAddress, _ = abi.NewType("address", "", nil)
	typeUint256, _ = abi.NewType("uint256", "", nil)
	typeBytes4, _  = abi.NewType("bytes4", "", nil)

	ercArgsAddress = abi.Arguments{{Type: typeAddress}}
	ercArgsUint256 = abi.Arguments{{Type: typeUint256}}
	ercArgsBytes4  = abi.Arguments{{Type: typeBytes4}}
)

// selector returns the 4-byte function selector for a Solidity signature
// such as "decimals()" or "balanceOf(address)".
func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func callDataNoArgs(signature string) []byte {
	return selector(signature)
}

func callDataAddress(signature string, addr common.Address) []byte {
	packed, _ := ercArgsAddress.Pack(addr)
	return append(selector(signature), packed...)
}

func callDataUint256(signature string, id *big.Int) []byte {
	packed, _ := ercArgsUint256.Pack(id)
	return append(selector(signature), packed...)
}

func callDataBytes4(signature string, iface [4]byte) []byte {
	packed, _ := ercArgsBytes4.Pack(iface)
	return append(selector(signature), packed...)
}

func unpackUint256(data []byte) (*big.Int, error) {
	vals, err := ercArgsUint256.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("abi: unpack uint256: %w", err)
	}
	n, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("abi: unexpected return type for uint256")
	}
	return n, nil
}

func unpackUint8(data []byte) (uint8, error) {
	if len(data) < 32 {
		return 0, fmt.Errorf("abi: short return data for uint8")
	}
	return data[31], nil
}

func unpackAddress(data []byte) (common.Address, error) {
	if len(data) < 32 {
		return common.Address{}, fmt.Errorf("abi: short return data for address")
	}
	return common.BytesToAddress(data[12:32]), nil
}

func unpackBool(data []byte) (bool, error) {
	if len(data) < 32 {
		return false, fmt.Errorf("abi: short return data for bool")
	}
	return data[31] != 0, nil
}

// ERC-165/721/20 selectors and interface ids, computed once.
var (
	selDecimals           = callDataNoArgs("decimals()")
	selTotalSupply         = callDataNoArgs("totalSupply()")
	selSupportsInterfaceSig = "supportsInterface(bytes4)"

	ifaceERC721 = [4]byte{0x80, 0xac, 0x58, 0xcd}
)

// Transfer(address,address,uint256) topic0, used by the Chunker's log
// query to scope a transfer-count lookback to the canonical ERC-20/721
// transfer event regardless of token kind.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

func callDataBalanceOf(holder common.Address) []byte {
	return callDataAddress("balanceOf(address)", holder)
}

func callDataOwnerOf(tokenID *big.Int) []byte {
	return callDataUint256("ownerOf(uint256)", tokenID)
}

func callDataSupportsInterface(iface [4]byte) []byte {
	return callDataBytes4(selSupportsInterfaceSig, iface)
}
