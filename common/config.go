package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Redis Related Config

// RedisConfig defines parameters for connecting to the redis KV store
type RedisConfig struct {
	// Addr is the redis "host:port" address
	Addr string `mapstructure:"addr" json:"addr" validate:"required,hostname_port"`
	// Password is the optional redis AUTH password
	Password string `mapstructure:"password,omitempty" json:"password,omitempty"`
	// TokenDB is the redis database holding access tokens and topic reservations
	TokenDB int `mapstructure:"token_db" json:"token_db" validate:"gte=0"`
	// ProfileDB is the redis database holding topic profiles
	ProfileDB int `mapstructure:"profile_db" json:"profile_db" validate:"gte=0"`
	// OpTimeout is the per-operation timeout in seconds
	OpTimeout int `mapstructure:"op_timeout_sec" json:"op_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Subject / Topic Related Config

// SubjectsConfig names the message subjects the bridge republishes
type SubjectsConfig struct {
	// DeviceData is the device telemetry subject
	DeviceData string `mapstructure:"device_data" json:"device_data" validate:"required"`
	// Actuation is the device command acknowledgement subject
	Actuation string `mapstructure:"actuation" json:"actuation" validate:"required"`
	// Notification is the subject delivered through per-connection filters
	Notification string `mapstructure:"notification" json:"notification" validate:"required"`
}

// TopicsConfig defines fallback topic creation parameters
type TopicsConfig struct {
	// DefaultPartitions is the partition count used when no profile matches
	DefaultPartitions int `mapstructure:"default_partitions" json:"default_partitions" validate:"gte=1"`
	// DefaultReplication is the replication factor used when no profile matches
	DefaultReplication int `mapstructure:"default_replication" json:"default_replication" validate:"gte=1"`
}

// TokensConfig defines access token parameters
type TokensConfig struct {
	// TTL is the token time-to-live in seconds
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// BridgeConfig defines the complete config for the bridge server
type BridgeConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Redis are the redis related config parameters
	Redis RedisConfig `mapstructure:"redis" json:"redis" validate:"required,dive"`
	// Subjects names the bridged message subjects
	Subjects SubjectsConfig `mapstructure:"subjects" json:"subjects" validate:"required,dive"`
	// Topics are the fallback topic creation parameters
	Topics TopicsConfig `mapstructure:"topics" json:"topics" validate:"required,dive"`
	// Tokens are the access token parameters
	Tokens TokensConfig `mapstructure:"tokens" json:"tokens" validate:"required,dive"`
	// HTTP are the API server configs
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default redis settings
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("redis.token_db", 0)
	viper.SetDefault("redis.profile_db", 1)
	viper.SetDefault("redis.op_timeout_sec", 5)

	// Default subject settings
	viper.SetDefault("subjects.device_data", "device-data")
	viper.SetDefault("subjects.actuation", "device-commands")
	viper.SetDefault("subjects.notification", "notifications")

	// Default topic settings
	viper.SetDefault("topics.default_partitions", 1)
	viper.SetDefault("topics.default_replication", 1)

	// Default token settings
	viper.SetDefault("tokens.ttl_sec", 60)

	// Default HTTP settings
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 3000)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 0)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Databridge-Request-ID")
	viper.SetDefault("http.logging_config.do_not_log_headers", []string{
		"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
	})
}
