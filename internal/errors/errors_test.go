package errors_test

import (
	"fmt"
	"testing"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestHasCode(t *testing.T) {
	errFactory := errors.New()

	inner := errFactory.New(errors.ErrTimeout)
	outer := errFactory.Wrap(errors.ErrStoreUnavailable, inner)
	wrapped := fmt.Errorf("tick: %w", outer)

	assert.True(t, errors.HasCode(wrapped, errors.ErrStoreUnavailable))
	assert.True(t, errors.HasCode(wrapped, errors.ErrTimeout))
	assert.False(t, errors.HasCode(wrapped, errors.ErrRejected))
	assert.False(t, errors.HasCode(nil, errors.ErrTimeout))
	assert.False(t, errors.HasCode(fmt.Errorf("plain"), errors.ErrTimeout))
}

func TestCodeOf(t *testing.T) {
	errFactory := errors.New()

	assert.Equal(t, errors.ErrRejected, errors.CodeOf(errFactory.New(errors.ErrRejected)))
	assert.Equal(t, errors.ErrInternal, errors.CodeOf(fmt.Errorf("plain")))
}

func TestErrorMessage(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.WithData(errors.ErrUnreachable, "192.168.1.100")
	assert.Equal(t, "Device unreachable: 192.168.1.100", err.Error())

	err = errFactory.Wrap(errors.ErrTimeout, fmt.Errorf("deadline exceeded"))
	assert.Equal(t, "Device request timed out: deadline exceeded", err.Error())

	err = errFactory.New(errors.ErrorCode("custom_code"))
	assert.Equal(t, "custom_code", err.Error())

	renamed := err.WithMessage("custom message")
	assert.Equal(t, "custom message", renamed.Error())
	assert.Equal(t, errors.ErrorCode("custom_code"), renamed.Code())
}
