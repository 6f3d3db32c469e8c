package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.uber.org/zap"

	"github.com/retention/backend/internal/domain/customer"
	"github.com/retention/backend/internal/domain/integration"
)

// Stripe credential and metadata keys
const (
	StripeCredentialSecretKey = "secret_key"

	stripeMetaLifetimeValue = "lifetime_value"
	stripeMetaCompany       = "company"
	stripeMetaTags          = "tags"

	// stripeEventRetention is how far back the events endpoint reaches
	stripeEventRetention = 30 * 24 * time.Hour
)

var stripeCustomerEventTypes = []*string{
	stripe.String(string(stripe.EventTypeCustomerCreated)),
	stripe.String(string(stripe.EventTypeCustomerUpdated)),
}

// StripeConnector fetches Stripe customers. The customer list has no
// modification filter, so incremental runs read customer.created and
// customer.updated events instead. A cursor older than the event retention
// window falls back to the full list.
type StripeConnector struct {
	base
	backends *stripe.Backends
}

var _ integration.Connector = (*StripeConnector)(nil)

// NewStripeConnector creates a Stripe connector. An empty BaseURL uses the
// Stripe API default.
func NewStripeConnector(cfg Config, logger *zap.Logger, opts ...Option) (*StripeConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &StripeConnector{base: newBase(integration.PlatformStripe, cfg, logger, opts...)}

	bc := &stripe.BackendConfig{
		HTTPClient: c.httpClient,
		// retries go through the connector's own backoff policy
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     c.logger.Sugar(),
	}
	if cfg.BaseURL != "" {
		bc.URL = stripe.String(cfg.BaseURL)
	}
	api := stripe.GetBackendWithConfig(stripe.APIBackend, bc)
	c.backends = &stripe.Backends{API: api, Connect: api, Uploads: api}
	return c, nil
}

// Platform returns the platform this connector serves
func (c *StripeConnector) Platform() integration.PlatformType {
	return integration.PlatformStripe
}

func (c *StripeConnector) client(i *integration.Integration) (*client.API, error) {
	key, err := requireCredential(i, StripeCredentialSecretKey)
	if err != nil {
		return nil, err
	}
	return client.New(key, c.backends), nil
}

// TestConnection retrieves the account balance
func (c *StripeConnector) TestConnection(ctx context.Context, i *integration.Integration) (bool, error) {
	sc, err := c.client(i)
	if err != nil {
		return false, err
	}
	_, err = retry(ctx, &c.base, func() (*stripe.Balance, error) {
		bal, err := sc.Balance.Get(&stripe.BalanceParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			return nil, c.classify(err)
		}
		return bal, nil
	})
	if err != nil {
		return false, c.connectionError(i.Credentials, err)
	}
	return true, nil
}

// SyncCustomers pages through the customer list
func (c *StripeConnector) SyncCustomers(ctx context.Context, i *integration.Integration, opts integration.SyncOptions) (*integration.SyncResult, error) {
	rb := integration.NewResultBuilder(c.clock.Now())
	sc, err := c.client(i)
	if err != nil {
		return nil, err
	}

	ctx, cancel := WithRunDeadline(ctx, opts.Timeout)
	defer cancel()

	if opts.Incremental() {
		if c.clock.Since(*opts.Since) < stripeEventRetention {
			return c.syncChanged(ctx, sc, rb, i, opts)
		}
		c.logger.Info("Stripe cursor older than event retention, listing all customers",
			zap.String("integration_id", i.ID.String()),
			zap.Time("since", *opts.Since))
	}

	after := ""
	for !opts.BudgetExhausted(rb.Fetched()) {
		page, err := c.fetchPage(ctx, sc, after, c.pageLimit(opts, rb.Fetched()))
		if err != nil {
			return c.finish(ctx, rb, i.Credentials, err)
		}
		for _, cust := range page.customers {
			if opts.BudgetExhausted(rb.Fetched()) {
				break
			}
			c.mapCustomer(rb, cust)
		}
		if !page.hasMore || len(page.customers) == 0 {
			break
		}
		after = page.customers[len(page.customers)-1].ID
	}

	c.logger.Debug("Fetched Stripe customers", zap.Int("fetched", rb.Fetched()))
	return c.finish(ctx, rb, i.Credentials, nil)
}

// syncChanged maps the customers touched by events since the cursor. Events
// arrive newest first, so the first event seen for a customer carries its
// current state and older ones are dropped.
func (c *StripeConnector) syncChanged(ctx context.Context, sc *client.API, rb *integration.ResultBuilder, i *integration.Integration, opts integration.SyncOptions) (*integration.SyncResult, error) {
	seen := make(map[string]struct{})
	after := ""
	for !opts.BudgetExhausted(rb.Fetched()) {
		page, err := c.fetchEvents(ctx, sc, *opts.Since, after, c.pageLimit(opts, rb.Fetched()))
		if err != nil {
			return c.finish(ctx, rb, i.Credentials, err)
		}
		for _, ev := range page.events {
			if opts.BudgetExhausted(rb.Fetched()) {
				break
			}
			if ev.Data == nil {
				continue
			}
			var cust stripe.Customer
			if err := json.Unmarshal(ev.Data.Raw, &cust); err != nil {
				rb.FailRecord(ev.ID, "undecodable customer event")
				continue
			}
			if _, dup := seen[cust.ID]; dup && cust.ID != "" {
				continue
			}
			seen[cust.ID] = struct{}{}
			c.mapCustomer(rb, &cust)
		}
		if !page.hasMore || len(page.events) == 0 {
			break
		}
		after = page.events[len(page.events)-1].ID
	}

	c.logger.Debug("Fetched changed Stripe customers",
		zap.Int("fetched", rb.Fetched()),
		zap.Time("since", *opts.Since))
	return c.finish(ctx, rb, i.Credentials, nil)
}

type stripeEventPage struct {
	events  []*stripe.Event
	hasMore bool
}

func (c *StripeConnector) fetchEvents(ctx context.Context, sc *client.API, since time.Time, after string, limit int) (stripeEventPage, error) {
	return retry(ctx, &c.base, func() (stripeEventPage, error) {
		params := &stripe.EventListParams{Types: stripeCustomerEventTypes}
		params.Context = ctx
		params.Limit = stripe.Int64(int64(limit))
		params.Single = true
		params.CreatedRange = &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()}
		if after != "" {
			params.StartingAfter = stripe.String(after)
		}

		var page stripeEventPage
		it := sc.Events.List(params)
		for it.Next() {
			page.events = append(page.events, it.Event())
		}
		if err := it.Err(); err != nil {
			return stripeEventPage{}, c.classify(err)
		}
		if list := it.EventList(); list != nil {
			page.hasMore = list.HasMore
		}
		return page, nil
	})
}

type stripePage struct {
	customers []*stripe.Customer
	hasMore   bool
}

func (c *StripeConnector) fetchPage(ctx context.Context, sc *client.API, after string, limit int) (stripePage, error) {
	return retry(ctx, &c.base, func() (stripePage, error) {
		params := &stripe.CustomerListParams{}
		params.Context = ctx
		params.Limit = stripe.Int64(int64(limit))
		params.Single = true
		if after != "" {
			params.StartingAfter = stripe.String(after)
		}

		var page stripePage
		it := sc.Customers.List(params)
		for it.Next() {
			page.customers = append(page.customers, it.Customer())
		}
		if err := it.Err(); err != nil {
			return stripePage{}, c.classify(err)
		}
		if list := it.CustomerList(); list != nil {
			page.hasMore = list.HasMore
		}
		return page, nil
	})
}

// mapCustomer converts one Stripe customer into a canonical record
func (c *StripeConnector) mapCustomer(rb *integration.ResultBuilder, cust *stripe.Customer) {
	if cust == nil || cust.ID == "" {
		rb.FailRecord("unknown", "customer without id")
		return
	}
	if cust.Deleted {
		rb.Skip()
		return
	}

	first, last := splitName(cust.Name)
	rec := customer.Record{
		ExternalID:    cust.ID,
		Email:         cust.Email,
		FirstName:     first,
		LastName:      last,
		Phone:         cust.Phone,
		Company:       cust.Metadata[stripeMetaCompany],
		Currency:      string(cust.Currency),
		LifetimeValue: decimal.New(cust.Balance, -2),
		Attributes:    map[string]string{},
	}
	if cust.Created > 0 {
		created := time.Unix(cust.Created, 0).UTC()
		rec.RemoteUpdatedAt = &created
	}
	if cust.Description != "" {
		rec.Attributes["description"] = cust.Description
	}

	for k, v := range cust.Metadata {
		switch k {
		case stripeMetaCompany:
		case stripeMetaTags:
			rec.Tags = strings.Split(v, ",")
		case stripeMetaLifetimeValue:
			ltv, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				rb.FailRecord(cust.ID, fmt.Sprintf("invalid %s metadata %q", stripeMetaLifetimeValue, v))
				return
			}
			rec.LifetimeValue = ltv
		default:
			rec.Attributes["metadata."+k] = v
		}
	}
	rb.AddRecord(rec)
}

// classify converts Stripe API errors into StatusError so the retry policy
// can tell transient faults apart
func (c *StripeConnector) classify(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode > 0 {
		return &StatusError{Platform: c.platform, StatusCode: se.HTTPStatusCode, Message: se.Msg}
	}
	return err
}

// splitName splits "Ada Lovelace King" into "Ada" and "Lovelace King"
func splitName(name string) (string, string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
