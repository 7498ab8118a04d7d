package config

const (
	DefaultPort                  = 4100
	defaultConfigDir             = "~/.mcpp"
	defaultLogDir                = "~/.local/share/mcps/logs"
	defaultStateDir              = "~/.local/share/mcps"
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 14
	defaultConnectTimeoutSeconds = 30
	defaultInitTimeoutSeconds    = 30
	defaultStartTimeoutSeconds   = 30
	defaultSettleDelayMillis     = 500
	defaultCloseTimeoutMillis    = 2000
	defaultArgMatchMinLength     = 11
	defaultHistoryMaxEntries     = 5000
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Daemon: Daemon{
			Port:                  DefaultPort,
			ConnectTimeoutSeconds: defaultConnectTimeoutSeconds,
			InitTimeoutSeconds:    defaultInitTimeoutSeconds,
			StartTimeoutSeconds:   defaultStartTimeoutSeconds,
			SettleDelayMillis:     defaultSettleDelayMillis,
			CloseTimeoutMillis:    defaultCloseTimeoutMillis,
			ArgMatchMinLength:     defaultArgMatchMinLength,
			WatchServers:          true,
		},
		Paths: Paths{
			ConfigDir: defaultConfigDir,
			LogDir:    defaultLogDir,
			StateDir:  defaultStateDir,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		History: History{
			Enabled:    true,
			MaxEntries: defaultHistoryMaxEntries,
		},
	}
}
