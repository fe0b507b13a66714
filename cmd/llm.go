package cmd

import (
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/tracecast/internal/ingest"
	"github.com/joescharf/tracecast/internal/llm"
)

// newSummarizer creates a session summarizer from config/env, or returns nil
// if no API key is configured.
func newSummarizer() ingest.Summarizer {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}
