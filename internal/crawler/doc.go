// Package crawler holds the job archive core: the listing data model, the ports
// implemented by fetchers, extractors and archive stores, the incremental
// pagination state machine and the merge-and-retain step.
package crawler
