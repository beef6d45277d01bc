// Package minting prices the worst-case deposit a provider escrows per claim.
package minting

import (
	"math/bits"
	"strconv"

	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
)

// Quote is a priced deposit together with its inputs.
type Quote struct {
	ConditionGas     uint64 `json:"condition_gas"`
	ActionGas        uint64 `json:"action_gas"`
	GasPrice         uint64 `json:"gas_price"` // effective price: max(estimate, executor price)
	GasMultiplierBps uint64 `json:"gas_multiplier_bps"`
	Deposit          uint64 `json:"deposit"`
}

// Calculator computes mint deposits from the shared multiplier.
type Calculator struct {
	params *params.Params
}

// New creates a calculator reading the multiplier from p.
func New(p *params.Params) *Calculator {
	return &Calculator{params: p}
}

// ComputeDeposit returns
//
//	ceil((conditionGas + actionGas) * max(estimate, executorPrice) * multiplier)
//
// with the multiplier in basis points. A zero estimate, or any intermediate
// overflow, fails with INVALID_ESTIMATE.
func (c *Calculator) ComputeDeposit(conditionGas, actionGas, executorPrice, estimate uint64) (Quote, error) {
	q := Quote{
		ConditionGas:     conditionGas,
		ActionGas:        actionGas,
		GasMultiplierBps: c.params.GasMultiplierBps(),
	}
	if estimate == 0 {
		return q, fault.New(fault.CodeInvalidEstimate, "gas price estimate unavailable")
	}
	q.GasPrice = max(estimate, executorPrice)

	gas, carry := bits.Add64(conditionGas, actionGas, 0)
	if carry != 0 {
		return q, overflow(q)
	}
	hi, cost := bits.Mul64(gas, q.GasPrice)
	if hi != 0 {
		return q, overflow(q)
	}

	// 128-bit product then ceil-divide by the denominator.
	hi, lo := bits.Mul64(cost, q.GasMultiplierBps)
	if hi >= params.BasisPoints {
		return q, overflow(q)
	}
	quo, rem := bits.Div64(hi, lo, params.BasisPoints)
	if rem != 0 {
		if quo == ^uint64(0) {
			return q, overflow(q)
		}
		quo++
	}
	q.Deposit = quo
	return q, nil
}

func overflow(q Quote) error {
	return fault.New(fault.CodeInvalidEstimate, "deposit overflows").
		WithDetail("gas_price", strconv.FormatUint(q.GasPrice, 10)).
		WithDetail("gas", strconv.FormatUint(q.ConditionGas, 10)+"+"+strconv.FormatUint(q.ActionGas, 10))
}
