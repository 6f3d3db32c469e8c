package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/people/v1"

	"github.com/retention/backend/internal/domain/customer"
	"github.com/retention/backend/internal/domain/integration"
)

// Google credential keys
const (
	GoogleCredentialAccessToken  = "access_token"
	GoogleCredentialRefreshToken = "refresh_token"

	googleTokenURL     = "https://oauth2.googleapis.com/token"
	googlePersonFields = "names,emailAddresses,phoneNumbers,organizations,memberships,metadata"
)

// GoogleContactsConnector fetches the authenticated user's connections
// through the People API. The API has no modification filter, so
// incremental runs skip people whose sources did not change since the last
// successful sync.
type GoogleContactsConnector struct {
	base
}

var _ integration.Connector = (*GoogleContactsConnector)(nil)

// NewGoogleContactsConnector creates a Google Contacts connector. An empty
// BaseURL uses the People API default.
func NewGoogleContactsConnector(cfg Config, logger *zap.Logger, opts ...Option) (*GoogleContactsConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BaseURL != "" && !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	return &GoogleContactsConnector{base: newBase(integration.PlatformGoogleContacts, cfg, logger, opts...)}, nil
}

// Platform returns the platform this connector serves
func (c *GoogleContactsConnector) Platform() integration.PlatformType {
	return integration.PlatformGoogleContacts
}

func (c *GoogleContactsConnector) service(ctx context.Context, i *integration.Integration) (*people.Service, error) {
	access, err := requireCredential(i, GoogleCredentialAccessToken)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	var src oauth2.TokenSource = oauth2.StaticTokenSource(tok)
	if refresh := i.Credentials.Get(GoogleCredentialRefreshToken); refresh != "" && c.cfg.ClientID != "" {
		tok.RefreshToken = refresh
		conf := &oauth2.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL, AuthStyle: oauth2.AuthStyleInParams},
			Scopes:       []string{people.ContactsReadonlyScope},
		}
		src = conf.TokenSource(ctx, tok)
	}
	hc := oauth2.NewClient(ctx, src)
	hc.Timeout = c.cfg.HTTPTimeout

	svcOpts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.cfg.BaseURL != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(c.cfg.BaseURL))
	}
	svc, err := people.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("google contacts: failed to create People service: %w", err)
	}
	return svc, nil
}

// TestConnection reads the authenticated user's profile
func (c *GoogleContactsConnector) TestConnection(ctx context.Context, i *integration.Integration) (bool, error) {
	svc, err := c.service(ctx, i)
	if err != nil {
		return false, err
	}
	_, err = retry(ctx, &c.base, func() (*people.Person, error) {
		p, err := svc.People.Get("people/me").PersonFields("names").Context(ctx).Do()
		return p, c.classify(err)
	})
	if err != nil {
		return false, c.connectionError(i.Credentials, err)
	}
	return true, nil
}

// SyncCustomers pages through connections using page tokens
func (c *GoogleContactsConnector) SyncCustomers(ctx context.Context, i *integration.Integration, opts integration.SyncOptions) (*integration.SyncResult, error) {
	rb := integration.NewResultBuilder(c.clock.Now())
	svc, err := c.service(ctx, i)
	if err != nil {
		return nil, err
	}

	ctx, cancel := WithRunDeadline(ctx, opts.Timeout)
	defer cancel()

	token := ""
	for !opts.BudgetExhausted(rb.Fetched()) {
		size := int64(c.pageLimit(opts, rb.Fetched()))
		resp, err := retry(ctx, &c.base, func() (*people.ListConnectionsResponse, error) {
			call := svc.People.Connections.List("people/me").
				PersonFields(googlePersonFields).
				PageSize(size).
				Context(ctx)
			if token != "" {
				call = call.PageToken(token)
			}
			r, err := call.Do()
			return r, c.classify(err)
		})
		if err != nil {
			return c.finish(ctx, rb, i.Credentials, err)
		}

		for _, p := range resp.Connections {
			if opts.BudgetExhausted(rb.Fetched()) {
				break
			}
			c.mapPerson(rb, p, opts)
		}

		token = resp.NextPageToken
		if token == "" || len(resp.Connections) == 0 {
			break
		}
	}

	c.logger.Debug("Fetched Google contacts", zap.Int("fetched", rb.Fetched()))
	return c.finish(ctx, rb, i.Credentials, nil)
}

// mapPerson converts one person into a canonical record
func (c *GoogleContactsConnector) mapPerson(rb *integration.ResultBuilder, p *people.Person, opts integration.SyncOptions) {
	if p == nil || p.ResourceName == "" {
		rb.FailRecord("unknown", "person without resource name")
		return
	}
	if p.Metadata != nil && p.Metadata.Deleted {
		rb.Skip()
		return
	}

	updated, err := latestSourceUpdate(p)
	if err != nil {
		rb.FailRecord(p.ResourceName, err.Error())
		return
	}
	if opts.Incremental() && updated != nil && updated.Before(*opts.Since) {
		rb.Skip()
		return
	}

	rec := customer.Record{
		ExternalID:      p.ResourceName,
		RemoteUpdatedAt: updated,
		Attributes:      map[string]string{},
	}
	if len(p.Names) > 0 && p.Names[0] != nil {
		rec.FirstName = p.Names[0].GivenName
		rec.LastName = p.Names[0].FamilyName
		if rec.FirstName == "" && rec.LastName == "" {
			rec.FirstName, rec.LastName = splitName(p.Names[0].DisplayName)
		}
	}
	rec.Email = primaryEmail(p.EmailAddresses)
	for _, ph := range p.PhoneNumbers {
		if ph != nil && ph.Value != "" {
			rec.Phone = ph.Value
			break
		}
	}
	for _, org := range p.Organizations {
		if org == nil || org.Name == "" {
			continue
		}
		rec.Company = org.Name
		if org.Title != "" {
			rec.Attributes["title"] = org.Title
		}
		break
	}
	for _, m := range p.Memberships {
		if m != nil && m.ContactGroupMembership != nil {
			rec.Tags = append(rec.Tags, strings.TrimPrefix(m.ContactGroupMembership.ContactGroupResourceName, "contactGroups/"))
		}
	}
	rb.AddRecord(rec)
}

func primaryEmail(emails []*people.EmailAddress) string {
	first := ""
	for _, e := range emails {
		if e == nil || e.Value == "" {
			continue
		}
		if e.Metadata != nil && e.Metadata.Primary {
			return e.Value
		}
		if first == "" {
			first = e.Value
		}
	}
	return first
}

// latestSourceUpdate returns the most recent update time across the
// person's sources
func latestSourceUpdate(p *people.Person) (*time.Time, error) {
	if p.Metadata == nil {
		return nil, nil
	}
	var latest *time.Time
	for _, s := range p.Metadata.Sources {
		if s == nil || s.UpdateTime == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, s.UpdateTime)
		if err != nil {
			return nil, fmt.Errorf("invalid source updateTime %q", s.UpdateTime)
		}
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest, nil
}

// classify converts googleapi errors into StatusError
func (c *GoogleContactsConnector) classify(err error) error {
	if err == nil {
		return nil
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) && ge.Code > 0 {
		return &StatusError{Platform: c.platform, StatusCode: ge.Code, Message: ge.Message}
	}
	return err
}
