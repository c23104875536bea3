package circuitbreaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integration-engine/internal/common/errors"
)

func TestExecute_Success(t *testing.T) {
	breaker := New("test", DefaultConfig(), nil)

	err := breaker.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.False(t, breaker.IsOpen())
}

func TestExecute_OpensAfterConsecutiveFailures(t *testing.T) {
	config := Config{MaxFailures: 3, Timeout: time.Minute, MaxConcurrentRequests: 1}
	breaker := New("test", config, nil)

	for i := 0; i < 3; i++ {
		breaker.Execute(context.Background(), func() error {
			return fmt.Errorf("upstream down")
		})
	}

	assert.True(t, breaker.IsOpen())

	err := breaker.Execute(context.Background(), func() error { return nil })
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeServiceUnreachable))
}

func TestExecute_ClientErrorsDontTrip(t *testing.T) {
	config := Config{MaxFailures: 2, Timeout: time.Minute, MaxConcurrentRequests: 1}
	breaker := New("test", config, nil)

	for i := 0; i < 10; i++ {
		breaker.Execute(context.Background(), func() error {
			return errors.NotFoundError("subscription")
		})
	}

	assert.False(t, breaker.IsOpen())
}

func TestNew_InvalidConfigFallsBack(t *testing.T) {
	breaker := New("test", Config{}, nil)
	require.NotNil(t, breaker)
	assert.NoError(t, breaker.Execute(context.Background(), func() error { return nil }))
}
