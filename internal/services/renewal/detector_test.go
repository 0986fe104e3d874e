package renewal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/testutil"
)

func TestHasActiveCredential(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("user holds a live key", func(t *testing.T) {
		keys := &testutil.MockKeyRepository{}
		keys.On("ListActiveByUser", mock.Anything, int64(42), domain.ProtocolOutline, now).
			Return([]*domain.VPNKey{{ID: 1, Protocol: domain.ProtocolOutline}}, nil)

		has, err := NewDetector(keys).HasActiveCredential(context.Background(), 42, domain.ProtocolOutline, now)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("no live keys", func(t *testing.T) {
		keys := &testutil.MockKeyRepository{}
		keys.On("ListActiveByUser", mock.Anything, int64(42), domain.ProtocolV2Ray, now).
			Return([]*domain.VPNKey{}, nil)

		has, err := NewDetector(keys).HasActiveCredential(context.Background(), 42, domain.ProtocolV2Ray, now)
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("lookup failure surfaces", func(t *testing.T) {
		keys := &testutil.MockKeyRepository{}
		keys.On("ListActiveByUser", mock.Anything, int64(42), domain.ProtocolV2Ray, now).
			Return(nil, domain.NewDomainError(domain.ErrorCodeStorageError, "query failed"))

		_, err := NewDetector(keys).HasActiveCredential(context.Background(), 42, domain.ProtocolV2Ray, now)
		assert.Error(t, err)
	})
}
