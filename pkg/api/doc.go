// Package api is the HTTP surface of the service: the Paystack webhook,
// the optional Telegram webhook, health endpoints, and Prometheus
// metrics. Webhook handlers verify first, answer fast, and hand the slow
// work to a bounded worker pool.
package api
