package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port            int
	DatabaseURL     string
	LogLevel        string
	LiveAgentURL    string
	LiveAgentAPIKey string
	OpenAIAPIKey    string
	OpenAIModel     string
	NatsURL         string
	NatsToken       string
	APIToken        string
	TicketsTable    string
	MessagesTable   string
	AnalysisTable   string
	JournalPath     string
	PerPage         int
	LookbackHours   int
}

func Load() Config {
	return Config{
		Port:            envInt("LAEXTRACT_PORT", 8080),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		LiveAgentURL:    envStr("LIVEAGENT_URL", "https://mechanigo.ladesk.com/api/v3"),
		LiveAgentAPIKey: envStr("LIVEAGENT_API_KEY", ""),
		OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
		OpenAIModel:     envStr("OPENAI_MODEL", "gpt-4.1-mini"),
		NatsURL:         envStr("NATS_URL", ""),
		NatsToken:       envStr("NATS_TOKEN", ""),
		APIToken:        envStr("LAEXTRACT_API_TOKEN", ""),
		TicketsTable:    envStr("TICKETS_TABLE", "tickets"),
		MessagesTable:   envStr("MESSAGES_TABLE", "messages"),
		AnalysisTable:   envStr("ANALYSIS_TABLE", "convo_analysis"),
		JournalPath:     envStr("ROUTE_ERROR_JOURNAL", "route-errors.json"),
		PerPage:         envInt("LIVEAGENT_PER_PAGE", 100),
		LookbackHours:   envInt("LOOKBACK_HOURS", 6),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
