// Package crawler defines the core types shared across the crawl
// pipeline: records, page tasks, outcome classification, checkpoint
// state, and the interfaces each subsystem implements.
package crawler
