package collab

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestHandleError(t *testing.T) {
	handled := []error{}
	r := HandleError(func() {
		panic("boom")
	}, func(err error) {
		handled = append(handled, err)
	})
	assert.Equal(t, "boom", r)
	assert.Equal(t, 1, len(handled))
	assert.Equal(t, "boom", handled[0].Error())

	r = HandleError(func() {})
	assert.Equal(t, nil, r)
}

func TestTrace(t *testing.T) {
	ran := false
	Trace("test", func() {
		ran = true
	})
	assert.Equal(t, true, ran)

	n := TraceWithReturn("test", func() int {
		return 42
	})
	assert.Equal(t, 42, n)

	value, err := TraceWithReturnError("test", func() (string, error) {
		return "ok", nil
	})
	assert.Equal(t, "ok", value)
	assert.Equal(t, err, nil)

	failErr := errors.New("fail")
	_, err = TraceWithReturnError("test", func() (string, error) {
		return "", failErr
	})
	assert.Equal(t, failErr, err)
}
