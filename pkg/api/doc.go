// Package api exposes pricing, billing, subscription and invoice operations over
// HTTP using gorilla/mux.
//
// Public pricing endpoints:
//
//	GET  /api/v1/pricing?propertyCount=N
//	POST /api/v1/pricing/prorated-charge
//
// Account and user endpoints:
//
//	GET    /api/v1/accounts/{id}/billing
//	GET    /api/v1/accounts/{id}/invoices
//	POST   /api/v1/accounts/{id}/invoices/prorated
//	POST   /api/v1/invoices/{id}/paid
//	POST   /api/v1/users/{id}/subscription
//	GET    /api/v1/users/{id}/subscription
//	DELETE /api/v1/users/{id}/subscription
//
// Admin endpoints:
//
//	POST /api/v1/admin/billing/run
//	POST /api/v1/admin/billing/accounts/{id}/run
//	POST /api/v1/admin/accounts/{id}/clear-hold
//	GET  /api/v1/admin/audit-events
//
// Admin and mutating calls each write one audit event when an audit.Logger is
// configured.
//
// Invalid input maps to 400. A property count above the largest tier maps to 422
// with a message asking the caller to contact sales. Missing resources map to 404
// and state conflicts to 409.
package api
