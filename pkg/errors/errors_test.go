package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorFormatting(t *testing.T) {
	err := TransientSinkError("network", "connection refused")
	assert.Equal(t, "[network:write] SINK_TRANSIENT: connection refused", err.Error())

	wrapped := err.Wrap(fmt.Errorf("dial tcp: timeout"))
	assert.Contains(t, wrapped.Error(), "dial tcp: timeout")
}

func TestAsAppErrorThroughWrapping(t *testing.T) {
	inner := PermanentSinkError("network", "bad request")
	outer := fmt.Errorf("dispatch batch 4: %w", inner)

	appErr, ok := AsAppError(outer)
	require.True(t, ok)
	assert.Equal(t, CodeSinkPermanent, appErr.Code)
}

func TestClassification(t *testing.T) {
	assert.True(t, IsPermanent(PermanentSinkError("s", "m")))
	assert.False(t, IsPermanent(TransientSinkError("s", "m")))
	assert.True(t, IsTransient(TransientSinkError("s", "m")))
	assert.True(t, IsTransient(CircuitOpenError("s")), "open circuit is retryable later")
	assert.True(t, IsCircuitOpen(CircuitOpenError("s")))
	assert.False(t, IsCircuitOpen(TransientSinkError("s", "m")))
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsTransient(nil))
}

type compositeErr struct{ permanent bool }

func (e compositeErr) Error() string   { return "composite" }
func (e compositeErr) Permanent() bool { return e.permanent }

func TestClassifierTakesPrecedence(t *testing.T) {
	assert.True(t, IsPermanent(compositeErr{permanent: true}))
	assert.False(t, IsPermanent(compositeErr{permanent: false}))
}

func TestToMap(t *testing.T) {
	err := ConfigError("buffer", "new", "bad watermarks").
		WithMetadata("high", 0.2).
		Wrap(fmt.Errorf("low >= high"))

	m := err.ToMap()
	assert.Equal(t, CodeConfigInvalid, m["error_code"])
	assert.Equal(t, "buffer", m["error_component"])
	assert.Equal(t, "low >= high", m["error_cause"])
	assert.Equal(t, 0.2, m["error_meta_high"])
}
