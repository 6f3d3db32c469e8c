package integration

// ---------------------------------------------------------------------------
// PlatformType represents the external platform behind an integration
// ---------------------------------------------------------------------------

// PlatformType represents the type of external platform
type PlatformType string

const (
	// PlatformStripe represents the Stripe payment platform
	PlatformStripe PlatformType = "STRIPE"
	// PlatformHubSpot represents the HubSpot CRM
	PlatformHubSpot PlatformType = "HUBSPOT"
	// PlatformMailchimp represents the Mailchimp marketing platform
	PlatformMailchimp PlatformType = "MAILCHIMP"
	// PlatformGoogleContacts represents Google Contacts (People API)
	PlatformGoogleContacts PlatformType = "GOOGLE_CONTACTS"
)

// PlatformCategory groups platforms by what they are used for
type PlatformCategory string

const (
	CategoryPayment   PlatformCategory = "payment"
	CategoryCRM       PlatformCategory = "crm"
	CategoryMarketing PlatformCategory = "marketing"
)

// AllPlatformTypes returns every known platform type
func AllPlatformTypes() []PlatformType {
	return []PlatformType{
		PlatformStripe,
		PlatformHubSpot,
		PlatformMailchimp,
		PlatformGoogleContacts,
	}
}

// IsValid returns true if the platform type is valid
func (p PlatformType) IsValid() bool {
	switch p {
	case PlatformStripe, PlatformHubSpot, PlatformMailchimp, PlatformGoogleContacts:
		return true
	default:
		return false
	}
}

// String returns the string representation of the platform type
func (p PlatformType) String() string {
	return string(p)
}

// DisplayName returns the human-readable name of the platform
func (p PlatformType) DisplayName() string {
	switch p {
	case PlatformStripe:
		return "Stripe"
	case PlatformHubSpot:
		return "HubSpot"
	case PlatformMailchimp:
		return "Mailchimp"
	case PlatformGoogleContacts:
		return "Google Contacts"
	default:
		return string(p)
	}
}

// Category returns the platform category
func (p PlatformType) Category() PlatformCategory {
	switch p {
	case PlatformStripe:
		return CategoryPayment
	case PlatformMailchimp:
		return CategoryMarketing
	default:
		return CategoryCRM
	}
}
