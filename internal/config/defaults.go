package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			Trigger:               "!",
			MaxConcurrentMessages: 5,
			CommandsPerMinute:     20,
			CommandBurst:          5,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			Webhook: WebhookConfig{
				Enabled: false,
				Path:    "/api/messages",
			},
		},
		Auth: AuthConfig{
			GraphBaseURL:         "https://graph.microsoft.com",
			SessionTimeoutSecs:   3600,
			SweepIntervalSeconds: 300,
		},
		Directory: DirectoryConfig{
			Provider:      "graph",
			DefaultDomain: "default.domain.com",
		},
		Dispatch: DispatchConfig{
			Strategy: "relay",
			Relay: RelayConfig{
				Channel: "telegram",
			},
			Direct: DirectConfig{
				TimeoutSeconds: 30,
			},
		},
		Audit: AuditConfig{
			DBPath:            "~/.adrelay/audit.db",
			RetentionDays:     365,
			RetentionSchedule: "0 3 * * *",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    3978,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
