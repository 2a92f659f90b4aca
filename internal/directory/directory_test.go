package directory

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/punchamoorthee/payswitch/internal/domain"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) ResolveVPA(ctx context.Context, vpa string) (string, error) {
	args := m.Called(ctx, vpa)
	return args.String(0), args.Error(1)
}

func TestResolveWithoutCache(t *testing.T) {
	src := new(mockSource)
	src.On("ResolveVPA", mock.Anything, "alice@axis").Return("AXIS", nil)
	src.On("ResolveVPA", mock.Anything, "ghost@axis").Return("", domain.ErrUnknownVPA)

	r := NewResolver(src, nil, time.Minute, zaptest.NewLogger(t))
	code, err := r.Resolve(context.Background(), " Alice@AXIS ")
	require.NoError(t, err)
	assert.Equal(t, "AXIS", code)

	_, err = r.Resolve(context.Background(), "ghost@axis")
	assert.True(t, errors.Is(err, domain.ErrUnknownVPA))
	assert.NoError(t, r.Invalidate(context.Background(), "alice@axis"))
	src.AssertExpectations(t)
}

func TestResolveReadsThroughRedis(t *testing.T) {
	addr := os.Getenv("SWITCH_TEST_REDIS")
	if addr == "" {
		t.Skip("SWITCH_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	vpa := "cached" + time.Now().Format("150405.000000") + "@axis"
	src := new(mockSource)
	src.On("ResolveVPA", mock.Anything, vpa).Return("AXIS", nil).Once()

	r := NewResolver(src, client, time.Minute, zaptest.NewLogger(t))
	for i := 0; i < 3; i++ {
		code, err := r.Resolve(ctx, vpa)
		require.NoError(t, err)
		assert.Equal(t, "AXIS", code)
	}
	src.AssertNumberOfCalls(t, "ResolveVPA", 1)
	require.NoError(t, r.Invalidate(ctx, vpa))
}
