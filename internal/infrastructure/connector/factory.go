package connector

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/retention/backend/internal/domain/integration"
	"github.com/retention/backend/internal/infrastructure/config"
)

// NewDefaultRegistry builds the registry of every supported platform from
// the application configuration
func NewDefaultRegistry(cfg config.ConnectorsConfig, logger *zap.Logger, opts ...Option) (*Registry, error) {
	stripeConn, err := NewStripeConnector(fromConnectorsConfig(cfg, cfg.StripeBaseURL, "", ""), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("stripe connector: %w", err)
	}
	hubspotConn, err := NewHubSpotConnector(
		fromConnectorsConfig(cfg, cfg.HubSpotBaseURL, cfg.HubSpotClientID, cfg.HubSpotClientSecret), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("hubspot connector: %w", err)
	}
	mailchimpConn, err := NewMailchimpConnector(fromConnectorsConfig(cfg, cfg.MailchimpBaseURL, "", ""), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("mailchimp connector: %w", err)
	}
	googleConn, err := NewGoogleContactsConnector(
		fromConnectorsConfig(cfg, cfg.GoogleBaseURL, cfg.GoogleClientID, cfg.GoogleClientSecret), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("google contacts connector: %w", err)
	}

	connectors := []integration.Connector{stripeConn, hubspotConn, mailchimpConn, googleConn}
	return NewRegistry(connectors...)
}
