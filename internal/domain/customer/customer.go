// Package customer contains the canonical customer data set that integrations
// synchronize into.
package customer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrInvalidRecord wraps every record validation failure
	ErrInvalidRecord = errors.New("customer: invalid record")
	// ErrMissingIdentity is returned when a record has neither email nor name
	ErrMissingIdentity = errors.New("customer: record has no email or name")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Record is the canonical shape every connector maps its platform's
// customer/contact model into.
type Record struct {
	ExternalID      string            `json:"external_id" validate:"required,max=255"`
	Email           string            `json:"email,omitempty" validate:"omitempty,email,max=320"`
	FirstName       string            `json:"first_name,omitempty" validate:"max=100"`
	LastName        string            `json:"last_name,omitempty" validate:"max=100"`
	Phone           string            `json:"phone,omitempty" validate:"max=50"`
	Company         string            `json:"company,omitempty" validate:"max=200"`
	LifetimeValue   decimal.Decimal   `json:"lifetime_value"`
	Currency        string            `json:"currency,omitempty" validate:"omitempty,len=3"`
	Tags            []string          `json:"tags,omitempty" validate:"max=50,dive,max=100"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	RemoteUpdatedAt *time.Time        `json:"remote_updated_at,omitempty"`
}

// Validate checks the record against its field constraints.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%w: field %s failed %q", ErrInvalidRecord, e.Field(), e.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.Email == "" && r.FirstName == "" && r.LastName == "" {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, ErrMissingIdentity)
	}
	return nil
}

var lower = cases.Lower(language.Und)

// Normalize returns a copy with Unicode NFC applied, whitespace trimmed,
// email lower-cased, currency upper-cased and tags sorted and de-duplicated.
func (r Record) Normalize() Record {
	out := r
	out.ExternalID = strings.TrimSpace(r.ExternalID)
	out.Email = lower.String(clean(r.Email))
	out.FirstName = clean(r.FirstName)
	out.LastName = clean(r.LastName)
	out.Phone = clean(r.Phone)
	out.Company = clean(r.Company)
	out.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))

	if len(r.Tags) > 0 {
		seen := make(map[string]struct{}, len(r.Tags))
		tags := make([]string, 0, len(r.Tags))
		for _, t := range r.Tags {
			t = clean(t)
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			tags = append(tags, t)
		}
		sort.Strings(tags)
		out.Tags = tags
	}

	if len(r.Attributes) > 0 {
		attrs := make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			attrs[clean(k)] = clean(v)
		}
		out.Attributes = attrs
	}
	return out
}

// clean applies NFC and collapses runs of whitespace.
func clean(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// ContentHash returns a stable digest of the record's synchronized content.
// RemoteUpdatedAt is excluded so a touch without a data change hashes equal.
func (r Record) ContentHash() string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(r.ExternalID, r.Email, r.FirstName, r.LastName, r.Phone, r.Company,
		r.LifetimeValue.String(), r.Currency)
	write(r.Tags...)

	keys := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k, r.Attributes[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DisplayName returns "First Last", falling back to the email.
func (r Record) DisplayName() string {
	name := strings.TrimSpace(r.FirstName + " " + r.LastName)
	if name == "" {
		return r.Email
	}
	return name
}

// ---------------------------------------------------------------------------
// Canonical customer
// ---------------------------------------------------------------------------

// Key identifies a synchronized customer. Merges are keyed on it so
// integrations of different tenants or platforms never collide.
type Key struct {
	TenantID   uuid.UUID
	Platform   string
	ExternalID string
}

// Customer is a canonical customer row produced by synchronization.
type Customer struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	IntegrationID uuid.UUID
	Platform      string
	Record        Record
	ContentHash   string
	FirstSyncedAt time.Time
	LastSyncedAt  time.Time
}

// UpsertOutcome is the result of a create-or-update
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "CREATED"
	OutcomeUpdated   UpsertOutcome = "UPDATED"
	OutcomeUnchanged UpsertOutcome = "UNCHANGED"
)

// Repository is the canonical customer store. Upsert must be atomic on Key
// so concurrent runs of different integrations can merge safely.
type Repository interface {
	Upsert(ctx context.Context, key Key, integrationID uuid.UUID, record Record) (UpsertOutcome, error)
	FindByKey(ctx context.Context, key Key) (*Customer, error)
	CountByIntegration(ctx context.Context, tenantID, integrationID uuid.UUID) (int64, error)
}
