package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  "~/.mailbridge",
		},
		Channels: ChannelsConfig{
			AgentMail: AgentMailConfig{
				AgentMailAccountConfig: AgentMailAccountConfig{
					Domain:   "agentmail.to",
					DMPolicy: "open",
				},
				APIBase:        "https://api.agentmail.to/v0",
				WebSocketURL:   "wss://ws.agentmail.to/v0",
				TextChunkLimit: 50000,
				ProbeTimeoutS:  8,
			},
		},
		Agent: AgentConfig{
			Provider: ProviderConfig{
				Name:           "ollama",
				APIBase:        "http://localhost:11434/v1",
				Model:          "llama3.1:8b",
				TimeoutSeconds: 120,
			},
			SystemPrompt:     defaultSystemPrompt,
			HistoryLimit:     20,
			MaxTokens:        2048,
			MaxContextTokens: 8192,
			Temperature:      0.7,
		},
		Routing: RoutingConfig{
			DefaultAgent: "main",
		},
		Session: SessionConfig{
			Store:        "~/.mailbridge/sessions/{agentId}.db",
			PairingStore: "~/.mailbridge/pairing.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}

const defaultSystemPrompt = `You are an assistant that answers email.
Reply in plain Markdown. Keep replies concise and address the sender directly.
Do not include a subject line or signature block.`
