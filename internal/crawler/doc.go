// Package crawler holds the crawl domain types (tasks, pages, documents,
// delivery outcomes), the breadth-first scheduler, URL normalization, fetch
// retry policy and the shared in-flight throttle used by every stage.
package crawler
