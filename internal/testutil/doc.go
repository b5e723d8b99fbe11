// Package testutil contains helper builders and fakes used across tests to
// reduce boilerplate when constructing core model objects (sessions,
// messages) and simulating time or storage failures. They are not intended
// for production usage.
package testutil
