// Package notify delivers lead notifications to business recipients.
//
// A Notifier attempt either succeeds or fails with a classified error:
// transient failures (timeouts, throttling, retriable server errors) are
// worth retrying, hard failures (invalid destination, permanent bounce) are
// not. Message bodies are rendered from Handlebars templates over the lead
// criteria.
package notify
