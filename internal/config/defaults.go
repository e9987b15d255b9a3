package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Trigger: TriggerConfig{
			Enabled:                true,
			Probability:            5,
			MinLength:              5,
			MaxLength:              100,
			BlacklistGroups:        FlexStringList{},
			BlacklistUsers:         FlexStringList{},
			Keywords:               []string{},
			UseExternalKeywords:    false,
			ExternalKeywordsPath:   "~/.randreply/keyword.json",
			ExcludedKeywords:       []string{},
			ProtectPrivateMessages: true,
		},
		Pipeline: PipelineConfig{
			GroupChatPrefix:         []string{"@bot"},
			Concurrency:             3,
			QueueSize:               100,
			ResponderTimeoutSeconds: 60,
			SendWindowSeconds:       30,
			SendMonitorSeconds:      5,
			RequestTimeoutSeconds:   30,
		},
		Channels: ChannelsConfig{
			WebSocket: WebSocketConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8081,
				Path:    "/ws",
			},
			Webhook: WebhookConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    9090,
				Path:    "/webhook",
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		Audit: AuditConfig{
			Enabled:       true,
			DBPath:        "~/.randreply/decisions.db",
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
