package auth

// Well-known roles carried in token claims. Roles are informational for most
// routes; authorization in the exchange is ownership-based and enforced by
// the domain services.
const (
	RoleProvider   = "provider"
	RolePatient    = "patient"
	RoleResearcher = "researcher"
	RoleAdmin      = "admin"
)
