package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/retention/backend/internal/domain/customer"
	"github.com/retention/backend/internal/domain/integration"
)

// Mailchimp credential and configuration keys
const (
	MailchimpCredentialAPIKey = "api_key"
	MailchimpConfigListID     = "list_id"
)

// Member statuses that are not synchronized
var mailchimpSkippedStatuses = map[string]bool{
	"archived": true,
	"cleaned":  true,
}

// mailchimpMember is the subset of a list member the connector maps
type mailchimpMember struct {
	ID           string         `json:"id"`
	EmailAddress string         `json:"email_address"`
	Status       string         `json:"status"`
	MergeFields  map[string]any `json:"merge_fields"`
	Tags         []mailchimpTag `json:"tags"`
	LastChanged  string         `json:"last_changed"`
	Language     string         `json:"language"`
	VIP          bool           `json:"vip"`
	Stats        mailchimpStats `json:"stats"`
}

type mailchimpTag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type mailchimpStats struct {
	EcommerceData *mailchimpEcommerce `json:"ecommerce_data"`
}

type mailchimpEcommerce struct {
	TotalRevenue   float64 `json:"total_revenue"`
	NumberOfOrders int     `json:"number_of_orders"`
	CurrencyCode   string  `json:"currency_code"`
}

// MailchimpConnector fetches members of one Mailchimp audience
type MailchimpConnector struct {
	base
}

var _ integration.Connector = (*MailchimpConnector)(nil)

// NewMailchimpConnector creates a Mailchimp connector. An empty BaseURL
// derives the API root from the data center suffix of each API key.
func NewMailchimpConnector(cfg Config, logger *zap.Logger, opts ...Option) (*MailchimpConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MailchimpConnector{base: newBase(integration.PlatformMailchimp, cfg, logger, opts...)}, nil
}

// Platform returns the platform this connector serves
func (c *MailchimpConnector) Platform() integration.PlatformType {
	return integration.PlatformMailchimp
}

// MailchimpDataCenter extracts the data center from an API key such as
// "0123abcd-us21"
func MailchimpDataCenter(apiKey string) (string, error) {
	idx := strings.LastIndex(apiKey, "-")
	if idx < 0 || idx == len(apiKey)-1 {
		return "", fmt.Errorf("%w: Mailchimp API key has no data center suffix", integration.ErrMissingConfiguration)
	}
	return apiKey[idx+1:], nil
}

func (c *MailchimpConnector) endpoint(apiKey string) (string, error) {
	if c.cfg.BaseURL != "" {
		return c.cfg.BaseURL, nil
	}
	dc, err := MailchimpDataCenter(apiKey)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://%s.api.mailchimp.com", dc), nil
}

// TestConnection calls the ping endpoint
func (c *MailchimpConnector) TestConnection(ctx context.Context, i *integration.Integration) (bool, error) {
	key, err := requireCredential(i, MailchimpCredentialAPIKey)
	if err != nil {
		return false, err
	}
	root, err := c.endpoint(key)
	if err != nil {
		return false, err
	}
	if _, err := c.do(ctx, http.MethodGet, root+"/3.0/ping", nil, c.auth(key)); err != nil {
		return false, c.connectionError(i.Credentials, err)
	}
	return true, nil
}

func (c *MailchimpConnector) auth(apiKey string) requestOptions {
	return requestOptions{user: "anystring", pass: apiKey}
}

// SyncCustomers pages through list members by offset
func (c *MailchimpConnector) SyncCustomers(ctx context.Context, i *integration.Integration, opts integration.SyncOptions) (*integration.SyncResult, error) {
	rb := integration.NewResultBuilder(c.clock.Now())
	key, err := requireCredential(i, MailchimpCredentialAPIKey)
	if err != nil {
		return nil, err
	}
	listID := i.Config(MailchimpConfigListID)
	if listID == "" {
		return nil, fmt.Errorf("%w: configuration %q", integration.ErrMissingConfiguration, MailchimpConfigListID)
	}
	root, err := c.endpoint(key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := WithRunDeadline(ctx, opts.Timeout)
	defer cancel()

	offset := 0
	for !opts.BudgetExhausted(rb.Fetched()) {
		count := c.pageLimit(opts, rb.Fetched())
		q := url.Values{}
		q.Set("count", strconv.Itoa(count))
		q.Set("offset", strconv.Itoa(offset))
		if opts.Incremental() {
			q.Set("since_last_changed", opts.Since.UTC().Format(time.RFC3339))
		}
		u := fmt.Sprintf("%s/3.0/lists/%s/members?%s", root, url.PathEscape(listID), q.Encode())

		body, err := c.do(ctx, http.MethodGet, u, nil, c.auth(key))
		if err != nil {
			return c.finish(ctx, rb, i.Credentials, err)
		}
		if !gjson.ValidBytes(body) {
			return c.finish(ctx, rb, i.Credentials, fmt.Errorf("Mailchimp: malformed page response"))
		}

		members := gjson.GetBytes(body, "members").Array()
		for _, m := range members {
			if opts.BudgetExhausted(rb.Fetched()) {
				break
			}
			c.mapMember(rb, m)
		}

		offset += len(members)
		total := int(gjson.GetBytes(body, "total_items").Int())
		if len(members) == 0 || offset >= total {
			break
		}
	}

	c.logger.Debug("Fetched Mailchimp members",
		zap.String("list_id", listID),
		zap.Int("fetched", rb.Fetched()))
	return c.finish(ctx, rb, i.Credentials, nil)
}

// mapMember converts one list member into a canonical record. Members are
// decoded one at a time so a malformed member fails alone.
func (c *MailchimpConnector) mapMember(rb *integration.ResultBuilder, raw gjson.Result) {
	id := raw.Get("id").String()
	if id == "" {
		rb.FailRecord("unknown", "member without id")
		return
	}

	var m mailchimpMember
	if err := json.Unmarshal([]byte(raw.Raw), &m); err != nil {
		rb.FailRecord(id, fmt.Sprintf("malformed member: %v", err))
		return
	}
	if mailchimpSkippedStatuses[m.Status] {
		rb.Skip()
		return
	}

	rec := customer.Record{
		ExternalID: m.ID,
		Email:      m.EmailAddress,
		FirstName:  mergeField(m.MergeFields, "FNAME"),
		LastName:   mergeField(m.MergeFields, "LNAME"),
		Phone:      mergeField(m.MergeFields, "PHONE"),
		Company:    mergeField(m.MergeFields, "COMPANY"),
		Attributes: map[string]string{"status": m.Status},
	}
	for _, t := range m.Tags {
		rec.Tags = append(rec.Tags, t.Name)
	}
	if m.Language != "" {
		rec.Attributes["language"] = m.Language
	}
	if m.VIP {
		rec.Attributes["vip"] = "true"
	}
	if ec := m.Stats.EcommerceData; ec != nil {
		rec.LifetimeValue = decimal.NewFromFloat(ec.TotalRevenue)
		rec.Currency = ec.CurrencyCode
		rec.Attributes["orders"] = strconv.Itoa(ec.NumberOfOrders)
	}
	if m.LastChanged != "" {
		changed, err := time.Parse(time.RFC3339, m.LastChanged)
		if err != nil {
			rb.FailRecord(id, fmt.Sprintf("invalid last_changed %q", m.LastChanged))
			return
		}
		rec.RemoteUpdatedAt = &changed
	}
	rb.AddRecord(rec)
}

// mergeField reads a merge field as a string. Mailchimp returns address
// merge fields as objects, which are ignored here.
func mergeField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
