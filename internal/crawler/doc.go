// Package crawler holds the domain model shared by every crawlq subsystem:
// tasks, crawls, backlog entries, credit transactions, the error taxonomy and
// the collaborator interfaces implemented by stores, engines and sinks.
package crawler
