package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			Workers:  4,
		},
		Providers: map[string]ProviderConfig{
			"groq": {
				Enabled:      true,
				APIBase:      "https://api.groq.com/openai/v1",
				APIKey:       "${GROQ_API_KEY}",
				DefaultModel: "openai/gpt-oss-120b",
			},
			"openrouter": {
				Enabled:      false,
				APIBase:      "https://openrouter.ai/api/v1",
				APIKey:       "${OPENROUTER_API_KEY}",
				DefaultModel: "meta-llama/llama-3.3-70b-instruct:free",
			},
			"ollama": {
				Enabled:      false,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Responder: ResponderConfig{
			Enabled:         true,
			DefaultProvider: "groq",
			Temperature:     0.7,
			MaxTokens:       300,
			TimeoutSeconds:  10,
			Lookback:        3,
		},
		RateLimit: RateLimitConfig{
			GlobalPerMinute:     10,
			PerRecipientPerHour: 5,
			PerRecipientPerDay:  20,
			BurstPerMinute:      5,
		},
		Guardrail: GuardrailConfig{
			MaxResponseLength: 300,
			BlockPhoneNumbers: true,
			BlockEmails:       true,
			BlockURLs:         false,
			BlockCreditCards:  true,
			BlockSSNs:         true,
			BlockedPatterns:   defaultBlockedPatterns(),
			BotPhrases:        defaultBotPhrases(),
			FallbackResponses: defaultFallbackResponses(),
		},
		Transport: TransportConfig{
			Active:              "termux",
			PollIntervalSeconds: 3,
			Termux: TermuxConfig{
				SendPath:       "termux-sms-send",
				ListPath:       "termux-sms-list",
				TimeoutSeconds: 30,
				ListLimit:      20,
			},
		},
		Store: StoreConfig{
			DBPath: "~/.smsagent/smsagent.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9091",
			Path:    "/metrics",
		},
	}
}

func defaultBlockedPatterns() []string {
	return []string{
		`password`,
		`credit card`,
		`social security`,
		`bank account`,
	}
}

func defaultBotPhrases() []string {
	return []string{
		"As an AI",
		"As a language model",
		"I'm an AI",
		"I am an AI",
		"How can I help you today",
		"How may I assist you",
		"I cannot assist with that",
	}
}

func defaultFallbackResponses() []string {
	return []string{
		"I received your message but cannot provide a specific response right now.",
		"Thanks for reaching out! I'll get back to you soon.",
		"Message received. I'll respond when available.",
		"Thanks for your message! I'm currently unavailable.",
	}
}
