// Package llm sends chat requests to language-model providers.
//
// A Client holds an ordered list of providers. A request goes to the first
// provider not in cooldown; transient failures fail over to the next one as
// long as no text has been streamed to the caller yet. A HealthMonitor
// tracks consecutive failures and moves struggling providers to the back of
// the order.
package llm
