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
	"golang.org/x/oauth2"

	"github.com/retention/backend/internal/domain/customer"
	"github.com/retention/backend/internal/domain/integration"
)

// HubSpot credential keys
const (
	HubSpotCredentialAccessToken  = "access_token"
	HubSpotCredentialRefreshToken = "refresh_token"

	// HubSpotDefaultBaseURL is the production API root
	HubSpotDefaultBaseURL = "https://api.hubapi.com"
)

var hubSpotProperties = []string{
	"email", "firstname", "lastname", "phone", "company",
	"total_revenue", "lifecyclestage", "hs_lead_status", "lastmodifieddate",
}

// HubSpotConnector fetches HubSpot CRM contacts. Full runs walk the contact
// list; incremental runs use the search endpoint filtered on
// lastmodifieddate.
type HubSpotConnector struct {
	base
}

var _ integration.Connector = (*HubSpotConnector)(nil)

// NewHubSpotConnector creates a HubSpot connector
func NewHubSpotConnector(cfg Config, logger *zap.Logger, opts ...Option) (*HubSpotConnector, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = HubSpotDefaultBaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HubSpotConnector{base: newBase(integration.PlatformHubSpot, cfg, logger, opts...)}, nil
}

// Platform returns the platform this connector serves
func (c *HubSpotConnector) Platform() integration.PlatformType {
	return integration.PlatformHubSpot
}

// oauthClient returns an HTTP client authorising requests with the
// integration's token, refreshing it when a refresh token and client
// credentials are available.
func (c *HubSpotConnector) oauthClient(ctx context.Context, i *integration.Integration) (*http.Client, error) {
	access, err := requireCredential(i, HubSpotCredentialAccessToken)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	var src oauth2.TokenSource = oauth2.StaticTokenSource(tok)
	if refresh := i.Credentials.Get(HubSpotCredentialRefreshToken); refresh != "" && c.cfg.ClientID != "" {
		tok.RefreshToken = refresh
		conf := &oauth2.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  c.cfg.BaseURL + "/oauth/v1/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		src = conf.TokenSource(ctx, tok)
	}

	hc := oauth2.NewClient(ctx, src)
	hc.Timeout = c.cfg.HTTPTimeout
	return hc, nil
}

// TestConnection requests a single contact
func (c *HubSpotConnector) TestConnection(ctx context.Context, i *integration.Integration) (bool, error) {
	hc, err := c.oauthClient(ctx, i)
	if err != nil {
		return false, err
	}
	if _, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/crm/v3/objects/contacts?limit=1", nil, requestOptions{client: hc}); err != nil {
		return false, c.connectionError(i.Credentials, err)
	}
	return true, nil
}

// SyncCustomers pages through contacts using the "after" cursor
func (c *HubSpotConnector) SyncCustomers(ctx context.Context, i *integration.Integration, opts integration.SyncOptions) (*integration.SyncResult, error) {
	rb := integration.NewResultBuilder(c.clock.Now())
	hc, err := c.oauthClient(ctx, i)
	if err != nil {
		return nil, err
	}

	ctx, cancel := WithRunDeadline(ctx, opts.Timeout)
	defer cancel()

	after := ""
	for !opts.BudgetExhausted(rb.Fetched()) {
		limit := c.pageLimit(opts, rb.Fetched())

		var body []byte
		if opts.Incremental() {
			body, err = c.searchPage(ctx, hc, *opts.Since, after, limit)
		} else {
			body, err = c.listPage(ctx, hc, after, limit)
		}
		if err != nil {
			return c.finish(ctx, rb, i.Credentials, err)
		}
		if !gjson.ValidBytes(body) {
			return c.finish(ctx, rb, i.Credentials, fmt.Errorf("HubSpot: malformed page response"))
		}

		results := gjson.GetBytes(body, "results").Array()
		for _, r := range results {
			if opts.BudgetExhausted(rb.Fetched()) {
				break
			}
			c.mapContact(rb, r)
		}

		after = gjson.GetBytes(body, "paging.next.after").String()
		if after == "" || len(results) == 0 {
			break
		}
	}

	c.logger.Debug("Fetched HubSpot contacts", zap.Int("fetched", rb.Fetched()))
	return c.finish(ctx, rb, i.Credentials, nil)
}

func (c *HubSpotConnector) listPage(ctx context.Context, hc *http.Client, after string, limit int) ([]byte, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("properties", strings.Join(hubSpotProperties, ","))
	if after != "" {
		q.Set("after", after)
	}
	return c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/crm/v3/objects/contacts?"+q.Encode(), nil, requestOptions{client: hc})
}

type hubSpotFilter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type hubSpotFilterGroup struct {
	Filters []hubSpotFilter `json:"filters"`
}

type hubSpotSearchRequest struct {
	FilterGroups []hubSpotFilterGroup `json:"filterGroups"`
	Properties   []string             `json:"properties"`
	Limit        int                  `json:"limit"`
	After        string               `json:"after,omitempty"`
}

func (c *HubSpotConnector) searchPage(ctx context.Context, hc *http.Client, since time.Time, after string, limit int) ([]byte, error) {
	req := hubSpotSearchRequest{
		FilterGroups: []hubSpotFilterGroup{{Filters: []hubSpotFilter{{
			PropertyName: "lastmodifieddate",
			Operator:     "GTE",
			Value:        strconv.FormatInt(since.UnixMilli(), 10),
		}}}},
		Properties: hubSpotProperties,
		Limit:      limit,
		After:      after,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/crm/v3/objects/contacts/search", body, requestOptions{client: hc})
}

// mapContact converts one contact object into a canonical record
func (c *HubSpotConnector) mapContact(rb *integration.ResultBuilder, r gjson.Result) {
	id := r.Get("id").String()
	if id == "" {
		rb.FailRecord("unknown", "contact without id")
		return
	}
	if r.Get("archived").Bool() {
		rb.Skip()
		return
	}
	props := r.Get("properties")
	if !props.IsObject() {
		rb.FailRecord(id, "contact has no properties object")
		return
	}

	rec := customer.Record{
		ExternalID: id,
		Email:      props.Get("email").String(),
		FirstName:  props.Get("firstname").String(),
		LastName:   props.Get("lastname").String(),
		Phone:      props.Get("phone").String(),
		Company:    props.Get("company").String(),
		Attributes: map[string]string{},
	}
	if rev := props.Get("total_revenue").String(); rev != "" {
		ltv, err := decimal.NewFromString(rev)
		if err != nil {
			rb.FailRecord(id, fmt.Sprintf("invalid total_revenue %q", rev))
			return
		}
		rec.LifetimeValue = ltv
	}
	for _, k := range []string{"lifecyclestage", "hs_lead_status"} {
		if v := props.Get(k).String(); v != "" {
			rec.Attributes[k] = v
		}
	}
	if ts := r.Get("updatedAt").String(); ts != "" {
		updated, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			rb.FailRecord(id, fmt.Sprintf("invalid updatedAt %q", ts))
			return
		}
		rec.RemoteUpdatedAt = &updated
	}
	rb.AddRecord(rec)
}
