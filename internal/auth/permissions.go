package auth

import _ "embed"

// Permission keys referenced by the core. Every key used in an authorization
// check must be declared in catalog.yaml; ValidateBuiltins enforces that at start.
const (
	PermProfileRead    = "profile.read"
	PermBookingsRead   = "bookings.read"
	PermBookingsWrite  = "bookings.write"
	PermDispatchManage = "dispatch.manage"
	PermInvoicesRead   = "invoices.read"
	PermInvoicesWrite  = "invoices.write"
	PermClientsRead    = "clients.read"
	PermClientsWrite   = "clients.write"
	PermWorkersRead    = "workers.read"
	PermWorkersWrite   = "workers.write"
	PermInventoryRead  = "inventory.read"
	PermInventoryWrite = "inventory.write"
	PermReportsRead    = "reports.read"
	PermSettingsManage = "settings.manage"
	PermUsersManage    = "users.manage"
	PermSessionsRevoke = "sessions.revoke"
	PermAuditRead      = "audit.read"
)

const (
	RoleSuper      = "super"
	RoleOwner      = "owner"
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleViewer     = "viewer"
	RoleWorker     = "worker"
	RoleCapability = "capability"
)

// BuiltinPermissions lists the keys the core itself checks.
var BuiltinPermissions = []string{
	PermProfileRead,
	PermBookingsRead, PermBookingsWrite, PermDispatchManage,
	PermInvoicesRead, PermInvoicesWrite,
	PermClientsRead, PermClientsWrite,
	PermWorkersRead, PermWorkersWrite,
	PermInventoryRead, PermInventoryWrite,
	PermReportsRead, PermSettingsManage, PermUsersManage,
	PermSessionsRevoke, PermAuditRead,
}

//go:embed catalog.yaml
var defaultCatalogYAML []byte
