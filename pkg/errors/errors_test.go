package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError("CODE", "something broke", errors.New("cause"))
	assert.Equal(t, "[CODE] something broke: cause", err.Error())

	bare := NewError("CODE", "no cause", nil)
	assert.Equal(t, "[CODE] no cause", bare.Error())
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	rangeErr := NewRangeError(3, 2, 5)
	assert.True(t, IsRange(rangeErr))
	assert.False(t, IsLedgerWrite(rangeErr))
	assert.Contains(t, rangeErr.Error(), "start=3 end=2")

	sub := NewSubmissionError("A", errors.New("sbatch: invalid partition"))
	assert.True(t, IsSubmission(sub))
	assert.Contains(t, sub.Error(), "invalid partition")

	ledgerErr := NewLedgerWriteError("ledger.jsonl", errors.New("disk full"))
	assert.True(t, IsLedgerWrite(ledgerErr))

	var structured *Error
	assert.True(t, errors.As(ledgerErr, &structured))
	assert.Equal(t, CodeLedgerWrite, structured.Code)

	assert.True(t, IsTimeout(errors.Join(errors.New("ctx"), ErrTimedOut)))
	assert.True(t, errors.Is(NewExecutionError("B", "exit 1"), ErrExecution))
}
