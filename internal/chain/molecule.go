package chain

import (
	"encoding/binary"
	"fmt"
)

// Molecule encoding of the transaction structures. Tables are a u32 total size,
// one u32 offset per field, then the fields; fixvecs a u32 item count then the
// items; dynvecs are laid out like tables.

// serializedTxOffset is the per-transaction offset a block spends on each transaction.
const serializedTxOffset = 4

// signatureSize is a recoverable secp256k1 signature.
const signatureSize = 65

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func u64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func fixBytes(b []byte) []byte {
	return append(u32(uint32(len(b))), b...)
}

func table(fields ...[]byte) []byte {
	header := 4 * (len(fields) + 1)
	total := header
	for _, f := range fields {
		total += len(f)
	}
	out := make([]byte, 0, total)
	out = binary.LittleEndian.AppendUint32(out, uint32(total))
	offset := header
	for _, f := range fields {
		out = binary.LittleEndian.AppendUint32(out, uint32(offset))
		offset += len(f)
	}
	for _, f := range fields {
		out = append(out, f...)
	}
	return out
}

// dynvec shares the table layout; an empty vector is just its size.
func dynvec(items [][]byte) []byte {
	return table(items...)
}

func fixvec(items [][]byte) []byte {
	out := u32(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func hashTypeByte(t string) (byte, error) {
	switch t {
	case HashTypeData:
		return 0, nil
	case HashTypeType:
		return 1, nil
	case HashTypeData1:
		return 2, nil
	case HashTypeData2:
		return 4, nil
	}
	return 0, fmt.Errorf("unknown hash type %q", t)
}

// SerializeScript encodes s. An unknown hash type encodes as data.
func SerializeScript(s Script) []byte {
	ht, _ := hashTypeByte(s.HashType)
	return table(s.CodeHash.Bytes(), []byte{ht}, fixBytes(s.Args))
}

func serializeOutPoint(o OutPoint) []byte {
	return append(o.TxHash.Bytes(), u32(uint32(o.Index))...)
}

func serializeCellDep(d CellDep) []byte {
	var dt byte
	if d.DepType == DepTypeDepGroup {
		dt = 1
	}
	return append(serializeOutPoint(d.OutPoint), dt)
}

func serializeCellInput(in CellInput) []byte {
	return append(u64(uint64(in.Since)), serializeOutPoint(in.PreviousOutput)...)
}

func serializeCellOutput(o CellOutput) []byte {
	var typ []byte
	if o.Type != nil {
		typ = SerializeScript(*o.Type)
	}
	return table(u64(uint64(o.Capacity)), SerializeScript(o.Lock), typ)
}

// SerializeRawTransaction encodes the transaction without its witnesses, the preimage of the tx hash.
func SerializeRawTransaction(tx *Transaction) []byte {
	deps := make([][]byte, len(tx.CellDeps))
	for i, d := range tx.CellDeps {
		deps[i] = serializeCellDep(d)
	}
	headers := make([][]byte, len(tx.HeaderDeps))
	for i, h := range tx.HeaderDeps {
		headers[i] = h.Bytes()
	}
	inputs := make([][]byte, len(tx.Inputs))
	for i, in := range tx.Inputs {
		inputs[i] = serializeCellInput(in)
	}
	outputs := make([][]byte, len(tx.Outputs))
	for i, o := range tx.Outputs {
		outputs[i] = serializeCellOutput(o)
	}
	data := make([][]byte, len(tx.OutputsData))
	for i, d := range tx.OutputsData {
		data[i] = fixBytes(d)
	}
	return table(
		u32(uint32(tx.Version)),
		fixvec(deps),
		fixvec(headers),
		fixvec(inputs),
		dynvec(outputs),
		dynvec(data),
	)
}

// SerializeTransaction encodes the full transaction including witnesses.
func SerializeTransaction(tx *Transaction) []byte {
	witnesses := make([][]byte, len(tx.Witnesses))
	for i, w := range tx.Witnesses {
		witnesses[i] = fixBytes(w)
	}
	return table(SerializeRawTransaction(tx), dynvec(witnesses))
}

// SerializedSize is the size a transaction occupies in a block, the base of its fee.
func SerializedSize(tx *Transaction) uint64 {
	return uint64(len(SerializeTransaction(tx)) + serializedTxOffset)
}

func bytesOpt(b []byte) []byte {
	if b == nil {
		return nil
	}
	return fixBytes(b)
}

// SerializeWitnessArgs encodes w. Nil fields are absent, empty ones are present with no bytes.
func SerializeWitnessArgs(w WitnessArgs) []byte {
	return table(bytesOpt(w.Lock), bytesOpt(w.InputType), bytesOpt(w.OutputType))
}

// placeholderWitness reserves room for the signature, for sizing and for the signing message.
func placeholderWitness() []byte {
	return SerializeWitnessArgs(WitnessArgs{Lock: make([]byte, signatureSize)})
}

// Fee returns the fee for size bytes at rate shannons per 1000 bytes, rounded up.
func Fee(size, rate uint64) uint64 {
	fee := size * rate / 1000
	if size*rate%1000 != 0 {
		fee++
	}
	return fee
}
