package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", base, KindUnknown},
		{"auth", Auth("describe instances", base), KindAuth},
		{"wrapped throttling", fmt.Errorf("collect: %w", Throttling("list", base)), KindThrottling},
		{"canceled", context.Canceled, KindCanceled},
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), KindCanceled},
		{"store", Store("upsert", base), KindStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, Retryable(Throttling("op", base)))
	assert.True(t, Retryable(Network("op", base)))
	assert.False(t, Retryable(Auth("op", base)))
	assert.False(t, Retryable(Malformed("op", base)))
	assert.False(t, Retryable(Store("op", base)))
	assert.False(t, Retryable(base))
}

func TestError_Unwrap(t *testing.T) {
	base := errors.New("boom")
	err := Network("dial", base)

	assert.ErrorIs(t, err, base)
	assert.Equal(t, "network: dial: boom", err.Error())
	assert.Equal(t, "auth: boom", New(KindAuth, "", base).Error())
	assert.True(t, Is(err, KindNetwork))
}
