package config

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
	"github.com/weiawesome/wes-io-live/cohost/internal/bus"
	"github.com/weiawesome/wes-io-live/cohost/internal/cache"
	pkgconfig "github.com/weiawesome/wes-io-live/cohost/pkg/config"
	"github.com/weiawesome/wes-io-live/cohost/pkg/database"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

// Config is shared by the agent, relay and micstatus binaries; each reads
// the sections it needs.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	PubSub    pubsub.Config   `mapstructure:"pubsub"`
	Log       pkglog.Config   `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  database.Config `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	WebRTC    WebRTCConfig    `mapstructure:"webrtc"`
	Agent     AgentConfig     `mapstructure:"agent"`
	MicStatus MicStatusConfig `mapstructure:"micstatus"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTIssuer     string        `mapstructure:"jwt_issuer"`
	TokenDuration time.Duration `mapstructure:"token_duration"`
}

// CacheConfig configures the decision read-through cache. Disabled means
// every read goes to the database.
type CacheConfig struct {
	Enabled   bool              `mapstructure:"enabled"`
	Redis     cache.RedisConfig `mapstructure:"redis"`
	KeyPrefix string            `mapstructure:"key_prefix"`
	TTL       time.Duration     `mapstructure:"ttl"`
}

type WebRTCConfig struct {
	ICEServers []ICEServerConfig `mapstructure:"ice_servers"`
}

type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// GetICEServers returns the ICE servers configuration for WebRTC.
func (c *WebRTCConfig) GetICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

// AgentConfig describes one headless participant.
type AgentConfig struct {
	RoomID        string `mapstructure:"room_id"`
	Identity      string `mapstructure:"identity"`
	Broadcaster   string `mapstructure:"broadcaster"`
	IsBroadcaster bool   `mapstructure:"is_broadcaster"`

	// Bus selects "pubsub" (direct broker access) or "ws" (through a relay).
	Bus string       `mapstructure:"bus"`
	WS  bus.WSConfig `mapstructure:"ws"`

	Audio        bool          `mapstructure:"audio"`
	Video        bool          `mapstructure:"video"`
	JoinTimeout  time.Duration `mapstructure:"join_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	MaxBufferedPerPeer int `mapstructure:"max_buffered_per_peer"`
	MaxBufferedPeers   int `mapstructure:"max_buffered_peers"`
}

// Agent bus kinds.
const (
	AgentBusPubSub = "pubsub"
	AgentBusWS     = "ws"
)

// MicStatusConfig points the agent at the mic-status service. An empty URL
// disables the poll fallback.
type MicStatusConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads ./config/config.yaml, COHOST_* env vars and the defaults below.
func Load() (*Config, error) {
	return LoadFrom("./config", "config")
}

// LoadFrom is Load with an explicit config directory and file name.
func LoadFrom(path, name string) (*Config, error) {
	v, err := pkgconfig.Load(path, name, "COHOST")
	if err != nil {
		return nil, err
	}

	setDefaults(v)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("pubsub.redis.address", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("pubsub.kafka.group_id", "KAFKA_PUBSUB_GROUP_ID")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("cache.redis.address", "CACHE_REDIS_ADDRESS")
	v.BindEnv("micstatus.url", "MICSTATUS_URL")
	v.BindEnv("micstatus.token", "MICSTATUS_TOKEN")
	v.BindEnv("agent.ws.token", "RELAY_TOKEN")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Parse durations
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Auth.TokenDuration = parseDuration(v, "auth.token_duration", 24*time.Hour)
	cfg.Cache.TTL = parseDuration(v, "cache.ttl", time.Minute)
	cfg.Agent.JoinTimeout = parseDuration(v, "agent.join_timeout", 20*time.Second)
	cfg.Agent.PollInterval = parseDuration(v, "agent.poll_interval", 2*time.Second)
	cfg.MicStatus.Timeout = parseDuration(v, "micstatus.timeout", 10*time.Second)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)

	v.SetDefault("pubsub.driver", pubsub.DriverRedis)
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.password", "")
	v.SetDefault("pubsub.redis.db", 0)
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.topic", "cohost-signal")
	v.SetDefault("pubsub.kafka.group_id", "cohost")
	v.SetDefault("pubsub.kafka.partitions", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("auth.jwt_issuer", "cohost")
	v.SetDefault("auth.token_duration", "24h")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "./data/micstatus.db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", 30)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.redis.address", "localhost:6379")
	v.SetDefault("cache.redis.db", 1)
	v.SetDefault("cache.key_prefix", "micstatus")
	v.SetDefault("cache.ttl", "1m")

	v.SetDefault("webrtc.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	// Keys without a meaningful default are still registered so the
	// COHOST_* environment can supply them.
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("agent.room_id", "")
	v.SetDefault("agent.identity", "")
	v.SetDefault("agent.broadcaster", "")
	v.SetDefault("agent.is_broadcaster", false)
	v.SetDefault("agent.ws.token", "")
	v.SetDefault("micstatus.url", "")
	v.SetDefault("micstatus.token", "")

	v.SetDefault("agent.bus", AgentBusPubSub)
	v.SetDefault("agent.audio", true)
	v.SetDefault("agent.video", false)
	v.SetDefault("agent.join_timeout", "20s")
	v.SetDefault("agent.poll_interval", "2s")
	v.SetDefault("agent.max_buffered_per_peer", 64)
	v.SetDefault("agent.max_buffered_peers", 32)
	v.SetDefault("agent.ws.url", "ws://localhost:8090/ws")
	v.SetDefault("micstatus.timeout", "10s")
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
