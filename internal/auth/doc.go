// Package auth guards the scanner control surface of the REST API.
//
// Tokens are HS256-signed JWTs carrying a subject and a role. Roles map to
// a static permission table:
//   - viewer may read scanner status, lock records and the journal
//   - operator may additionally start and stop scanning
//
// Validation is signature and expiry only; there is no token store.
package auth
