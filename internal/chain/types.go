// Package chain talks to the delivery chain: transaction types and their binary
// encoding, the sighash-all signer, the node JSON-RPC client and the cell indexer.
package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Script hash types.
const (
	HashTypeData  = "data"
	HashTypeType  = "type"
	HashTypeData1 = "data1"
	HashTypeData2 = "data2"
)

// Cell dep types.
const (
	DepTypeCode     = "code"
	DepTypeDepGroup = "dep_group"
)

// TxStatus values reported by get_transaction.
const (
	TxPending   = "pending"
	TxProposed  = "proposed"
	TxCommitted = "committed"
	TxRejected  = "rejected"
	TxUnknown   = "unknown"
)

// Secp256k1Blake160CodeHash is the type id of the default sighash-all lock.
var Secp256k1Blake160CodeHash = common.HexToHash("0x9bd7e06f3ecf4be0f2fcd2188b23f1b9fcc88e5d4b65a8637b17723bbda3cce8")

// MinCellCapacity is the smallest output a secp256k1 lock can hold, in shannons (61 CKB).
const MinCellCapacity uint64 = 61 * 100_000_000

type Script struct {
	CodeHash common.Hash   `json:"code_hash"`
	HashType string        `json:"hash_type"`
	Args     hexutil.Bytes `json:"args"`
}

type OutPoint struct {
	TxHash common.Hash  `json:"tx_hash"`
	Index  hexutil.Uint `json:"index"`
}

type CellDep struct {
	OutPoint OutPoint `json:"out_point"`
	DepType  string   `json:"dep_type"`
}

type CellInput struct {
	Since          hexutil.Uint64 `json:"since"`
	PreviousOutput OutPoint       `json:"previous_output"`
}

type CellOutput struct {
	Capacity hexutil.Uint64 `json:"capacity"`
	Lock     Script         `json:"lock"`
	Type     *Script        `json:"type"`
}

// Transaction is the wire form accepted by send_transaction.
type Transaction struct {
	Version     hexutil.Uint    `json:"version"`
	CellDeps    []CellDep       `json:"cell_deps"`
	HeaderDeps  []common.Hash   `json:"header_deps"`
	Inputs      []CellInput     `json:"inputs"`
	Outputs     []CellOutput    `json:"outputs"`
	OutputsData []hexutil.Bytes `json:"outputs_data"`
	Witnesses   []hexutil.Bytes `json:"witnesses"`
}

// WitnessArgs is the structured first witness of a lock group.
type WitnessArgs struct {
	Lock       []byte
	InputType  []byte
	OutputType []byte
}

// Hash returns the lock or type hash of s.
func (s Script) Hash() common.Hash {
	return Hash(SerializeScript(s))
}
