package chain

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"settler/internal/model"
	"settler/internal/swap"
)

// Payment is one transfer out of the custodial lock.
type Payment struct {
	Inputs []model.UnspentInput
	From   Script
	To     Script
	Amount uint64
	Fee    uint64
	Deps   []CellDep
}

// ReceiverLock is the lock of a depositor's address on the delivery chain.
func ReceiverLock(codeHash, ethAddress string) Script {
	return Script{
		CodeHash: common.HexToHash(codeHash),
		HashType: HashTypeType,
		Args:     common.HexToAddress(ethAddress).Bytes(),
	}
}

// Total sums the capacity of inputs.
func Total(inputs []model.UnspentInput) (uint64, error) {
	var sum uint64
	for _, in := range inputs {
		if sum > math.MaxUint64-in.Capacity {
			return 0, fmt.Errorf("input capacity overflow")
		}
		sum += in.Capacity
	}
	return sum, nil
}

// Build assembles the unsigned transaction: the payment output first, change back to the sender second.
// Change below the minimum cell capacity cannot be represented and is reported as insufficient funds.
func (p Payment) Build() (*Transaction, error) {
	if len(p.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", swap.ErrInsufficientFunds)
	}
	total, err := Total(p.Inputs)
	if err != nil {
		return nil, err
	}
	need := p.Amount + p.Fee
	if need < p.Amount || total < need {
		return nil, fmt.Errorf("%w: inputs %d < amount %d + fee %d", swap.ErrInsufficientFunds, total, p.Amount, p.Fee)
	}
	change := total - need
	if change > 0 && change < MinCellCapacity {
		return nil, fmt.Errorf("%w: change %d below minimum cell", swap.ErrInsufficientFunds, change)
	}

	tx := &Transaction{
		CellDeps:    p.Deps,
		HeaderDeps:  []common.Hash{},
		Inputs:      make([]CellInput, len(p.Inputs)),
		Outputs:     []CellOutput{{Capacity: hexutil.Uint64(p.Amount), Lock: p.To}},
		OutputsData: []hexutil.Bytes{{}},
	}
	for i, in := range p.Inputs {
		tx.Inputs[i] = CellInput{PreviousOutput: OutPoint{
			TxHash: common.HexToHash(in.OutPoint.TxHash),
			Index:  hexutil.Uint(in.OutPoint.Index),
		}}
	}
	if change > 0 {
		tx.Outputs = append(tx.Outputs, CellOutput{Capacity: hexutil.Uint64(change), Lock: p.From})
		tx.OutputsData = append(tx.OutputsData, hexutil.Bytes{})
	}
	// one placeholder per input so the measured size matches the signed transaction
	tx.Witnesses = make([]hexutil.Bytes, len(p.Inputs))
	tx.Witnesses[0] = placeholderWitness()
	for i := 1; i < len(tx.Witnesses); i++ {
		tx.Witnesses[i] = hexutil.Bytes{}
	}
	return tx, nil
}
