// Package integration contains the Integration bounded context.
// It models a tenant's connection to an external CRM, payment, or marketing
// platform and the synchronization of customer records from it.
//
// Key concepts:
//   - Integration: aggregate holding configuration, encrypted credentials and sync bookkeeping
//   - Connector: port implemented once per platform (Stripe, HubSpot, Mailchimp, Google Contacts)
//   - ConnectorRegistry: resolves a Connector by PlatformType
//   - SyncOptions / SyncResult: per-run input and outcome
//
// Design Pattern: Ports & Adapters
//   - Ports (interfaces) are defined here in the domain layer
//   - Adapters (implementations) are in the infrastructure layer
package integration
