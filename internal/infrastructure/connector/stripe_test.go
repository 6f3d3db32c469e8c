package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/retention/backend/internal/domain/integration"
)

const stripeSecretKey = "sk_test_51Hsecretvalue"

func newStripeIntegration(t *testing.T) *integration.Integration {
	return newTestIntegration(t, integration.PlatformStripe,
		integration.Credentials{StripeCredentialSecretKey: stripeSecretKey}, nil)
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		in          string
		first, last string
	}{
		{"", "", ""},
		{"Ada", "Ada", ""},
		{"Ada Lovelace", "Ada", "Lovelace"},
		{"  Ada  King  Lovelace ", "Ada", "King Lovelace"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			first, last := splitName(tt.in)
			assert.Equal(t, tt.first, first)
			assert.Equal(t, tt.last, last)
		})
	}
}

func TestStripeConnector_SyncCustomers(t *testing.T) {
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers", r.URL.Path)
		assert.Equal(t, "Bearer "+stripeSecretKey, r.Header.Get("Authorization"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		after := r.URL.Query().Get("starting_after")
		pages = append(pages, after)
		w.Header().Set("Content-Type", "application/json")
		switch after {
		case "":
			fmt.Fprint(w, `{"object":"list","url":"/v1/customers","has_more":true,"data":[
				{"id":"cus_1","object":"customer","email":"ada@example.com","name":"Ada Lovelace","phone":"+15550100","balance":1250,"currency":"usd","created":1767225600,"description":"early adopter","metadata":{"company":"Analytical Engines","tags":"vip,beta","region":"emea"}},
				{"id":"cus_2","object":"customer","deleted":true}
			]}`)
		case "cus_2":
			fmt.Fprint(w, `{"object":"list","url":"/v1/customers","has_more":false,"data":[
				{"id":"cus_3","object":"customer","email":"bad@example.com","metadata":{"lifetime_value":"lots"}}
			]}`)
		default:
			t.Errorf("unexpected cursor %q", after)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	c, err := NewStripeConnector(testConfig(srv.URL), testLogger(), testOptions()...)
	require.NoError(t, err)

	res, err := c.SyncCustomers(context.Background(), newStripeIntegration(t), fullSync())
	require.NoError(t, err)
	requireBalanced(t, res)

	assert.Equal(t, []string{"", "cus_2"}, pages)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, "cus_1", rec.ExternalID)
	assert.Equal(t, "Ada", rec.FirstName)
	assert.Equal(t, "Lovelace", rec.LastName)
	assert.Equal(t, "Analytical Engines", rec.Company)
	assert.Equal(t, "12.5", rec.LifetimeValue.String())
	assert.Equal(t, "usd", rec.Currency)
	assert.Equal(t, []string{"vip", "beta"}, rec.Tags)
	assert.Equal(t, "emea", rec.Attributes["metadata.region"])
	assert.Equal(t, "early adopter", rec.Attributes["description"])
	require.NotNil(t, rec.RemoteUpdatedAt)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *rec.RemoteUpdatedAt)

	assert.Equal(t, "cus_3", res.Failures[0].ExternalID)
}

func TestStripeConnector_IncrementalReadsCustomerEvents(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/events", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "1767225600", q.Get("created[gte]"))
		assert.Equal(t, "customer.created", q.Get("types[0]"))
		assert.Equal(t, "customer.updated", q.Get("types[1]"))

		after := q.Get("starting_after")
		cursors = append(cursors, after)
		w.Header().Set("Content-Type", "application/json")
		switch after {
		case "":
			// cus_old was created before the cursor and edited after it
			fmt.Fprint(w, `{"object":"list","url":"/v1/events","has_more":true,"data":[
				{"id":"evt_3","object":"event","type":"customer.updated","created":1767312000,
				 "data":{"object":{"id":"cus_old","object":"customer","email":"new@example.com","name":"Grace Hopper","created":1700000000}}},
				{"id":"evt_2","object":"event","type":"customer.created","created":1767300000,
				 "data":{"object":{"id":"cus_new","object":"customer","email":"ada@example.com","name":"Ada"}}}
			]}`)
		case "evt_2":
			fmt.Fprint(w, `{"object":"list","url":"/v1/events","has_more":false,"data":[
				{"id":"evt_1","object":"event","type":"customer.updated","created":1767290000,
				 "data":{"object":{"id":"cus_old","object":"customer","email":"old@example.com","name":"Grace Hopper","created":1700000000}}}
			]}`)
		default:
			t.Errorf("unexpected cursor %q", after)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	clk := clocktesting.NewFakePassiveClock(since.Add(5 * 24 * time.Hour))
	c, err := NewStripeConnector(testConfig(srv.URL), testLogger(), append(testOptions(), WithClock(clk))...)
	require.NoError(t, err)

	res, err := c.SyncCustomers(context.Background(), newStripeIntegration(t), incrementalSince(since))
	require.NoError(t, err)
	requireBalanced(t, res)

	assert.Equal(t, []string{"", "evt_2"}, cursors)
	assert.Equal(t, 2, res.Fetched, "older events for the same customer are dropped")
	require.Len(t, res.Records, 2)
	assert.Equal(t, "cus_old", res.Records[0].ExternalID)
	assert.Equal(t, "new@example.com", res.Records[0].Email, "newest event wins")
	assert.Equal(t, "cus_new", res.Records[1].ExternalID)
}

func TestStripeConnector_StaleCursorListsAllCustomers(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("created[gte]"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","url":"/v1/customers","has_more":false,"data":[
			{"id":"cus_1","object":"customer","email":"ada@example.com"}
		]}`)
	}))
	defer srv.Close()

	clk := clocktesting.NewFakePassiveClock(since.Add(45 * 24 * time.Hour))
	c, err := NewStripeConnector(testConfig(srv.URL), testLogger(), append(testOptions(), WithClock(clk))...)
	require.NoError(t, err)

	res, err := c.SyncCustomers(context.Background(), newStripeIntegration(t), incrementalSince(since))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Fetched)
}

func TestStripeConnector_TestConnection(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantOK  bool
		wantErr error
	}{
		{
			name:   "ok",
			status: http.StatusOK,
			body:   `{"object":"balance","available":[],"pending":[],"livemode":false}`,
			wantOK: true,
		},
		{
			name:    "invalid key",
			status:  http.StatusUnauthorized,
			body:    `{"error":{"type":"invalid_request_error","message":"Invalid API Key provided"}}`,
			wantErr: integration.ErrConnection,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/balance", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c, err := NewStripeConnector(testConfig(srv.URL), testLogger(), testOptions()...)
			require.NoError(t, err)

			ok, err := c.TestConnection(context.Background(), newStripeIntegration(t))
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.NotContains(t, err.Error(), stripeSecretKey)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestStripeConnector_MissingSecretKey(t *testing.T) {
	c, err := NewStripeConnector(Config{}, testLogger())
	require.NoError(t, err)

	i := newTestIntegration(t, integration.PlatformStripe, nil, nil)
	ok, err := c.TestConnection(context.Background(), i)
	assert.False(t, ok)
	assert.ErrorIs(t, err, integration.ErrMissingConfiguration)
}
