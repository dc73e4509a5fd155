// Package notify fans task and crawl outcome events out to sinks without
// blocking the workers that emit them.
package notify
