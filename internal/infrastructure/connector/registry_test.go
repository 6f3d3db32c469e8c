package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retention/backend/internal/domain/integration"
	"github.com/retention/backend/internal/infrastructure/config"
)

type stubConnector struct {
	platform integration.PlatformType
}

func (s stubConnector) Platform() integration.PlatformType { return s.platform }

func (s stubConnector) TestConnection(context.Context, *integration.Integration) (bool, error) {
	return true, nil
}

func (s stubConnector) SyncCustomers(context.Context, *integration.Integration, integration.SyncOptions) (*integration.SyncResult, error) {
	return &integration.SyncResult{Success: true}, nil
}

func TestNewRegistry(t *testing.T) {
	t.Run("sorted by platform", func(t *testing.T) {
		r, err := NewRegistry(
			stubConnector{integration.PlatformStripe},
			stubConnector{integration.PlatformGoogleContacts},
			stubConnector{integration.PlatformHubSpot},
		)
		require.NoError(t, err)
		assert.Equal(t, []integration.PlatformType{
			integration.PlatformGoogleContacts,
			integration.PlatformHubSpot,
			integration.PlatformStripe,
		}, r.Platforms())
		assert.Len(t, r.GetAllServices(), 3)
	})

	t.Run("duplicate platform", func(t *testing.T) {
		_, err := NewRegistry(stubConnector{integration.PlatformStripe}, stubConnector{integration.PlatformStripe})
		assert.Error(t, err)
	})

	t.Run("invalid platform", func(t *testing.T) {
		_, err := NewRegistry(stubConnector{"FAX"})
		assert.ErrorIs(t, err, integration.ErrInvalidPlatform)
	})

	t.Run("nil connector", func(t *testing.T) {
		_, err := NewRegistry(nil)
		assert.Error(t, err)
	})
}

func TestRegistry_GetService(t *testing.T) {
	r, err := NewRegistry(stubConnector{integration.PlatformHubSpot})
	require.NoError(t, err)

	c, err := r.GetService(integration.PlatformHubSpot)
	require.NoError(t, err)
	assert.Equal(t, integration.PlatformHubSpot, c.Platform())
	assert.True(t, r.Supports(integration.PlatformHubSpot))

	_, err = r.GetService(integration.PlatformMailchimp)
	assert.ErrorIs(t, err, integration.ErrUnsupportedPlatform)
	assert.False(t, r.Supports(integration.PlatformMailchimp))
}

func TestRegistry_GetAllServicesReturnsCopy(t *testing.T) {
	r, err := NewRegistry(stubConnector{integration.PlatformHubSpot})
	require.NoError(t, err)

	all := r.GetAllServices()
	all[0] = stubConnector{integration.PlatformStripe}
	assert.Equal(t, integration.PlatformHubSpot, r.GetAllServices()[0].Platform())
}

func TestNewDefaultRegistry(t *testing.T) {
	r, err := NewDefaultRegistry(config.ConnectorsConfig{}, testLogger())
	require.NoError(t, err)
	assert.ElementsMatch(t, integration.AllPlatformTypes(), r.Platforms())
}
