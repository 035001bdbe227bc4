// Package actions implements the side effects a segment runs when objects
// enter or leave it: tag mutation, loyalty balance adjustment, outbound
// notification and webhook calls.
//
// The Pipeline depends on collaborator interfaces defined in this package.
// Postgres implementations of the directory, tagger and loyalty ledger live
// in repository/postgres/; the HTTP and SES dispatchers live here.
package actions
