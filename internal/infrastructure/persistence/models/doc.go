// Package models contains GORM-specific persistence models that map to database tables.
// These models are separate from domain entities to keep the domain layer pure and free
// from ORM concerns.
//
// Key Principles:
// 1. Domain entities carry no GORM tags or infrastructure concerns
// 2. Persistence models contain all GORM annotations and table mappings
// 3. Mappers convert between domain entities and persistence models
// 4. Credentials are stored sealed; models never hold plaintext secrets
//
// Structure:
// - base.go: BaseModel shared by every table
// - integration.go: integrations table
// - synced_customer.go: canonical customers produced by synchronization
package models
