package relayer

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	OperationCall         uint8 = 0
	OperationDelegateCall uint8 = 1
)

// Transaction is a single call executed by the Safe.
type Transaction struct {
	To        common.Address
	Operation uint8
	Data      []byte
	Value     *big.Int
}

// Envelope is what the Safe actually executes: either the single call itself
// or one delegatecall into MultiSend wrapping every call.
type Envelope struct {
	To        common.Address
	Value     *big.Int
	Data      []byte
	Operation uint8
}

var multiSendABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(`[{"inputs":[{"internalType":"bytes","name":"transactions","type":"bytes"}],"name":"multiSend","outputs":[],"stateMutability":"payable","type":"function"}]`))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// EncodeMultiSend packs txns for MultiSend. A single transaction is passed through unchanged.
// Each packed entry: operation (1) + to (20) + value (32) + data length (32) + data.
func EncodeMultiSend(multiSend common.Address, txns []Transaction) (Envelope, error) {
	switch len(txns) {
	case 0:
		return Envelope{}, fmt.Errorf("no transactions to encode")
	case 1:
		return Envelope{To: txns[0].To, Value: valueOf(txns[0]), Data: txns[0].Data, Operation: txns[0].Operation}, nil
	}
	if multiSend == (common.Address{}) {
		return Envelope{}, fmt.Errorf("multisend address is not configured")
	}

	var packed []byte
	for _, tx := range txns {
		packed = append(packed, tx.Operation)
		packed = append(packed, tx.To.Bytes()...)
		packed = append(packed, common.LeftPadBytes(valueOf(tx).Bytes(), 32)...)
		packed = append(packed, common.LeftPadBytes(big.NewInt(int64(len(tx.Data))).Bytes(), 32)...)
		packed = append(packed, tx.Data...)
	}

	data, err := multiSendABI.Pack("multiSend", packed)
	if err != nil {
		return Envelope{}, err
	}
	// inner call values are paid from the Safe's own balance
	return Envelope{To: multiSend, Value: new(big.Int), Data: data, Operation: OperationDelegateCall}, nil
}

// DecodeMultiSend reverses EncodeMultiSend for a multiSend(bytes) calldata.
func DecodeMultiSend(data []byte) ([]Transaction, error) {
	method := multiSendABI.Methods["multiSend"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, fmt.Errorf("not a multiSend call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	packed := args[0].([]byte)

	var txns []Transaction
	for len(packed) > 0 {
		if len(packed) < 85 {
			return nil, fmt.Errorf("truncated multisend entry")
		}
		tx := Transaction{
			Operation: packed[0],
			To:        common.BytesToAddress(packed[1:21]),
			Value:     new(big.Int).SetBytes(packed[21:53]),
		}
		n := new(big.Int).SetBytes(packed[53:85])
		if !n.IsInt64() || int64(len(packed)-85) < n.Int64() {
			return nil, fmt.Errorf("truncated multisend data")
		}
		end := 85 + int(n.Int64())
		tx.Data = common.CopyBytes(packed[85:end])
		txns = append(txns, tx)
		packed = packed[end:]
	}
	return txns, nil
}

func valueOf(tx Transaction) *big.Int {
	if tx.Value == nil {
		return new(big.Int)
	}
	return tx.Value
}
