// Package crawler defines the domain types, collaborator interfaces, error
// taxonomy, retry policy and in-memory deduplication shared by the search
// crawl engine.
package crawler
