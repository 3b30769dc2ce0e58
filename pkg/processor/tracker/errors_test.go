package tracker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/trace-processor/pkg/ethereum"
)

func TestIsBlockNotFoundError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ethereum.ErrBlockNotFound, true},
		{"wrapped sentinel", fmt.Errorf("trace_block 5: %w", ethereum.ErrBlockNotFound), true},
		{"header not found", errors.New("Header not found"), true},
		{"unknown block", errors.New("unknown block"), true},
		{"other", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBlockNotFoundError(tt.err))
		})
	}
}

func TestIsWaitingForBlockError(t *testing.T) {
	assert.False(t, IsWaitingForBlockError(nil))
	assert.True(t, IsWaitingForBlockError(fmt.Errorf("block 10: %w", ErrWaitingForBlock)))
	assert.True(t, IsWaitingForBlockError(errors.New("block 10 not yet available")))
	assert.False(t, IsWaitingForBlockError(errors.New("timeout")))
}
