package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  "~/.replyguard",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "~/.replyguard/replyguard.db",
		},
		Classifier: ClassifierConfig{
			Default:          "mock",
			TimeoutSeconds:   60,
			LatencyCeilingMs: 8000,
			Providers: map[string]ProviderConfig{
				"mock": {
					Enabled:    true,
					Kind:       "static",
					Reply:      "Gracias por su mensaje. Un asesor revisará su consulta.",
					Confidence: 70,
				},
				"local": {
					Enabled: false,
					Kind:    "openai",
					APIBase: "http://localhost:1234/v1",
					Model:   "local-model",
				},
				"ollama": {
					Enabled: false,
					Kind:    "ollama",
					APIBase: "http://localhost:11434",
					Model:   "llama3.1:8b",
				},
				"anthropic": {
					Enabled: false,
					Kind:    "anthropic",
					Model:   "claude-3-5-haiku-20241022",
				},
			},
		},
		Routing: RoutingConfig{
			DefaultTenant: "default",
			PolicyDir:     "~/.replyguard/policies",
			HistoryLimit:  10,
			Concurrency:   5,
			BusBufferSize: 100,
			OrderCurrency: "CRC",
		},
		Delivery: DeliveryConfig{
			TimeoutSeconds: 30,
			Meta: MetaConfig{
				APIBase:       "https://graph.facebook.com/v21.0",
				RatePerSecond: 20,
				Burst:         5,
			},
			SMTP: SMTPConfig{
				Port:    587,
				Subject: "Respuesta a su consulta",
			},
		},
		Broadcast: BroadcastConfig{
			MaxEventsPerSecond: 100,
			HeartbeatSeconds:   30,
			SendTimeoutSeconds: 5,
		},
		Maintenance: MaintenanceConfig{
			Enabled:         true,
			IntervalMinutes: 60,
			MaxAgeHours:     24,
			RetrySeconds:    60,
		},
	}
}
