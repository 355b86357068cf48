// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing agent records, specs and
// observations. They are not intended for production usage.
package testutil
