package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_UnwrapsToMalformedCall(t *testing.T) {
	err := Wrap(NewValidationError("x", "required argument is missing", nil), "increase_by_one")

	assert.True(t, Is(err, ErrMalformedCall))
	assert.Contains(t, err.Error(), "field 'x'")

	var verr *ValidationError
	assert.True(t, As(err, &verr))
	assert.Equal(t, "x", verr.Field)
}

func TestMultiError(t *testing.T) {
	var m MultiError
	assert.Nil(t, m.ToError())

	m.Add(nil)
	m.Add(ErrToolNotFound)
	m.Add(ErrTimeout)

	err := m.ToError()
	assert.Error(t, err)
	assert.True(t, Is(err, ErrToolNotFound))
	assert.True(t, Is(err, ErrTimeout))
	assert.Contains(t, err.Error(), "multiple errors (2)")
}

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))
	assert.Nil(t, Wrapf(nil, "ignored %d", 1))
}

func TestMark_KeepsMessage(t *testing.T) {
	cause := New("division by zero")
	err := Mark(cause, ErrToolExecution)

	assert.Equal(t, "division by zero", err.Error())
	assert.True(t, Is(err, ErrToolExecution))
	assert.True(t, Is(err, cause))

	already := Wrap(ErrToolExecution, "tool failed")
	assert.Equal(t, already, Mark(already, ErrToolExecution))
	assert.Nil(t, Mark(nil, ErrToolExecution))
}
