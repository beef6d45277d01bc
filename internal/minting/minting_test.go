package minting

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
)

func newCalc(t *testing.T, bps uint64) *Calculator {
	t.Helper()
	p, err := params.New(params.Values{Owner: "owner", GasMultiplierBps: bps})
	require.NoError(t, err)
	return New(p)
}

func TestComputeDeposit(t *testing.T) {
	c := newCalc(t, 0) // default 1.5x

	tests := []struct {
		name          string
		condGas       uint64
		actionGas     uint64
		executorPrice uint64
		estimate      uint64
		wantPrice     uint64
		wantDeposit   uint64
	}{
		{"estimate wins", 100_000, 200_000, 5, 10, 10, 4_500_000},
		{"executor price wins", 100_000, 200_000, 20, 10, 20, 9_000_000},
		{"rounds up", 1, 0, 0, 1, 1, 2},
		{"zero gas", 0, 0, 0, 10, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := c.ComputeDeposit(tt.condGas, tt.actionGas, tt.executorPrice, tt.estimate)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrice, q.GasPrice)
			assert.Equal(t, tt.wantDeposit, q.Deposit)
			assert.Equal(t, uint64(params.DefaultGasMultiplierBps), q.GasMultiplierBps)
		})
	}
}

func TestComputeDeposit_ZeroEstimate(t *testing.T) {
	c := newCalc(t, 0)
	_, err := c.ComputeDeposit(1, 1, 100, 0)
	assert.True(t, errors.Is(err, fault.ErrInvalidEstimate))
}

func TestComputeDeposit_Overflow(t *testing.T) {
	c := newCalc(t, 0)

	_, err := c.ComputeDeposit(math.MaxUint64, 1, 0, 1)
	assert.True(t, errors.Is(err, fault.ErrInvalidEstimate), "gas sum overflow")

	_, err = c.ComputeDeposit(1<<40, 0, 0, 1<<40)
	assert.True(t, errors.Is(err, fault.ErrInvalidEstimate), "cost overflow")

	_, err = c.ComputeDeposit(math.MaxUint64, 0, 0, 1)
	assert.True(t, errors.Is(err, fault.ErrInvalidEstimate), "multiplied deposit overflow")
}

func TestComputeDeposit_Monotonic(t *testing.T) {
	low := newCalc(t, 12_000)
	high := newCalc(t, 20_000)

	var prev uint64
	for price := uint64(1); price <= 50; price++ {
		q, err := low.ComputeDeposit(21_000, 50_000, 0, price)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, q.Deposit, prev)
		prev = q.Deposit

		qh, err := high.ComputeDeposit(21_000, 50_000, 0, price)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, qh.Deposit, q.Deposit)
	}
}

func TestComputeDeposit_TracksMultiplierUpdates(t *testing.T) {
	p, err := params.New(params.Values{Owner: "owner"})
	require.NoError(t, err)
	c := New(p)

	q, err := c.ComputeDeposit(1_000, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500), q.Deposit)

	_, _, err = p.SetGasMultiplierBps("owner", 20_000)
	require.NoError(t, err)
	q, err = c.ComputeDeposit(1_000, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000), q.Deposit)
}
