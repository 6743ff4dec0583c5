// Package llm contains adapters for invoking language-generation backends.
// It abstracts away provider-specific APIs behind a single Client interface
// so the agent loop stays free of any concrete network client.
package llm
