package llm

import (
	"log"
	"os"
	"time"
)

const (
	// EnvAgentloopMode is the environment variable name for mode selection.
	EnvAgentloopMode = "AGENTLOOP_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// NewLLMClient creates an LLM client based on the AGENTLOOP_MODE environment
// variable. If AGENTLOOP_MODE=MOCK, returns a MockClient; otherwise returns
// a real Client.
func NewLLMClient(baseURL, apiKey, model string, timeout time.Duration) LLMClient {
	mode := os.Getenv(EnvAgentloopMode)

	if mode == ModeMock {
		log.Println("AGENTLOOP_MODE=MOCK detected, using mock LLM client")
		return NewMockClient()
	}

	return NewClient(baseURL, apiKey, model, timeout)
}
