package activity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Success(t *testing.T) {
	fn := func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	}
	res := Run(context.Background(), Config{Timeout: time.Second}, fn, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, json.RawMessage(`"ok"`), res.Output)
}

func TestRun_Failure(t *testing.T) {
	boom := errors.New("boom")
	fn := func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	}
	res := Run(context.Background(), Config{Timeout: time.Second}, fn, nil)
	assert.ErrorIs(t, res.Err, boom)
	assert.Nil(t, res.Output)
}

func TestRun_Timeout(t *testing.T) {
	fn := func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	res := Run(context.Background(), Config{Timeout: 5 * time.Millisecond}, fn, nil)
	require.Error(t, res.Err)
	var te *TimeoutError
	assert.ErrorAs(t, res.Err, &te)
}

func TestNextAttemptDelay_Increases(t *testing.T) {
	cfg := Config{BaseRetryTimeout: 100 * time.Millisecond, MaxRetryTimeout: 5 * time.Second, MaxRetries: 5}
	d1 := NextAttemptDelay(cfg, 1)
	d2 := NextAttemptDelay(cfg, 2)
	d3 := NextAttemptDelay(cfg, 3)
	assert.True(t, d1 > 0)
	assert.True(t, d2 >= d1)
	assert.True(t, d3 >= d2)
}

func TestMaxRetriesReached(t *testing.T) {
	cfg := Config{MaxRetries: 5}
	assert.False(t, MaxRetriesReached(cfg, 4))
	assert.True(t, MaxRetriesReached(cfg, 5))
	assert.True(t, MaxRetriesReached(cfg, 6))
}
