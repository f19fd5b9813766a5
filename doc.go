// Package tenauth implements a multi-tenant authentication and session core:
// JWT access/refresh token pairs, Redis-backed session lifecycle, argon2id
// password hashing, per-tenant password policies, TOTP and backup-code MFA,
// and tenant-scoped audit logging.
//
// Every lookup in this package is scoped by tenant. A user, session, or
// reset token created under one tenant is never observable from another
// tenant's context, even with the correct identifier.
//
// A [Service] is built once per process through [Builder] with its
// dependencies (Redis client, persistence [Store], audit sink) passed in
// explicitly. After [Builder.Build] a Service is immutable and safe for
// concurrent use across goroutines, tenants, and users.
//
// Failure semantics follow a strict anti-enumeration posture: unknown email,
// wrong password, and wrong tenant context all surface as
// [ErrInvalidCredentials] with comparable work done on each path. Expired
// tokens are the one failure that is safe to name, via [ErrTokenExpired].
package tenauth
