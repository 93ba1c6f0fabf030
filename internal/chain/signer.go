package chain

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/dchest/blake2b"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var personalization = []byte("ckb-default-hash")

// Hash is the chain's default hash: 32-byte blake2b personalized with "ckb-default-hash".
func Hash(data ...[]byte) common.Hash {
	h := newHasher()
	for _, d := range data {
		h.Write(d)
	}
	return common.BytesToHash(h.Sum(nil))
}

func newHasher() hash.Hash {
	h, err := blake2b.New(&blake2b.Config{Size: 32, Person: personalization})
	if err != nil {
		// the config is constant and valid
		panic(err)
	}
	return h
}

// Blake160 is the first 20 bytes of Hash, used as lock args.
func Blake160(data []byte) []byte {
	return Hash(data).Bytes()[:20]
}

// TxHash is the hash of the raw transaction.
func TxHash(tx *Transaction) common.Hash {
	return Hash(SerializeRawTransaction(tx))
}

// Signer owns the custodial lock and signs transactions spending from it.
type Signer interface {
	Lock() Script
	// Sign fills the witnesses of tx. Every input must belong to the signer's lock.
	Sign(tx *Transaction) error
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	lock Script
}

// NewKeySigner parses a hex private key. The lock uses codeHash, or the default sighash-all lock when empty.
func NewKeySigner(hexKey, codeHash string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	ch := Secp256k1Blake160CodeHash
	if codeHash != "" {
		ch = common.HexToHash(codeHash)
	}
	return &KeySigner{
		key: key,
		lock: Script{
			CodeHash: ch,
			HashType: HashTypeType,
			Args:     Blake160(crypto.CompressPubkey(&key.PublicKey)),
		},
	}, nil
}

func (s *KeySigner) Lock() Script {
	return s.lock
}

// Sign implements sighash-all for a single lock group covering all inputs.
func (s *KeySigner) Sign(tx *Transaction) error {
	if len(tx.Inputs) == 0 {
		return errors.New("transaction has no inputs")
	}
	witnesses := make([]hexutil.Bytes, len(tx.Inputs))
	witnesses[0] = placeholderWitness()
	for i := 1; i < len(witnesses); i++ {
		witnesses[i] = hexutil.Bytes{}
	}
	tx.Witnesses = witnesses

	sig, err := crypto.Sign(SigningMessage(tx).Bytes(), s.key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	tx.Witnesses[0] = SerializeWitnessArgs(WitnessArgs{Lock: sig})
	return nil
}

// SigningMessage is the sighash-all message: the tx hash followed by every
// witness of the group, each prefixed with its u64 length. The first witness
// must carry a zeroed signature placeholder.
func SigningMessage(tx *Transaction) common.Hash {
	h := newHasher()
	txHash := TxHash(tx)
	h.Write(txHash.Bytes())
	for _, w := range tx.Witnesses {
		h.Write(binary.LittleEndian.AppendUint64(nil, uint64(len(w))))
		h.Write(w)
	}
	return common.BytesToHash(h.Sum(nil))
}
