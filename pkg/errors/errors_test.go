package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitInvalidConfig, ExitCode(fmt.Errorf("load: %w", ErrInvalidConfig)))
	assert.Equal(t, ExitMissingInput, ExitCode(Stage("barrels", MissingInput("inverted_index.txt", "inverted"))))
	assert.Equal(t, ExitCorruptInput, ExitCode(NewFormatError("barrel_0.bin", 16, errors.New("truncated"))))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("disk full")))
}

func TestStageWrapsOnce(t *testing.T) {
	inner := Stage("lexicon", ErrInternal)
	outer := Stage("forward", inner)

	var se *StageError
	assert.ErrorAs(t, outer, &se)
	assert.Equal(t, "lexicon", se.Stage)
	assert.Equal(t, "stage lexicon: internal error", outer.Error())
	assert.Nil(t, Stage("graph", nil))
}

func TestFormatError(t *testing.T) {
	cause := errors.New("bad header")
	err := NewFormatError("barrel_3.bin", 24, cause)

	assert.ErrorIs(t, err, ErrFormatViolation)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "format violation: barrel_3.bin at offset 24: bad header", err.Error())
}

func TestMissingInputMessage(t *testing.T) {
	assert.Equal(t, "missing input file: lexicon.txt (run stage \"lexicon\" first)", MissingInput("lexicon.txt", "lexicon").Error())
	assert.Equal(t, "missing input file: corpus.jsonl", MissingInput("corpus.jsonl", "").Error())
}

func TestRecordErrors(t *testing.T) {
	assert.ErrorIs(t, Malformedf("line %d", 3), ErrMalformedRecord)
	assert.ErrorIs(t, Unresolvedf("target %q", "x"), ErrUnresolvedReference)
}
