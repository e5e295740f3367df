// Package crawler holds the domain model of a sequential paged crawl: sessions,
// fragments, the collaborator interfaces (render target, artifact sink,
// notifier) and the error kinds shared by the orchestrator and its helpers.
package crawler
