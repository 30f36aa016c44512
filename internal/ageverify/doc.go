// Package ageverify asks the age verification service whether a user is
// verified and may see content of a given rating. Every answer fails closed:
// without a trustworthy response the user is treated as unverified and
// access is denied.
//
// Calls that need service credentials use a bearer token obtained through
// POST /auth/service-login and cached until shortly before it expires.
package ageverify
