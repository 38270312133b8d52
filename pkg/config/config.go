package config

import (
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chuantou/pkg/utils/net"
	"chuantou/pkg/utils/path"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	// global 全局配置实例，只初始化一次
	global *Config
	// initialized 确保global只初始化一次
	initialized bool

	// cachedNodeId 缓存的节点ID
	cachedNodeId string
	// nodeIdOnce 确保节点ID只计算一次
	nodeIdOnce sync.Once

	// configDir 最近一次成功加载配置的目录，供 GetNodeId 持久化使用
	configDir string
)

// Config 系统配置管理器，包装一个 viper 实例
type Config struct {
	viper *viper.Viper
}

// LoadOptions 配置加载选项
type LoadOptions struct {
	AllowOverride bool
	ClearExisting bool
}

// DefaultLoadOptions 默认配置加载选项
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{AllowOverride: true, ClearExisting: false}
}

func init() {
	if !initialized {
		global = New()
		initialized = true
	}
}

// New 创建新的配置实例
func New() *Config {
	return &Config{viper: viper.New()}
}

// LoadConfig 加载 configDir 下的 server.yaml/client.yaml/log.yaml，
// app.yaml 中未声明的节使用内置默认值
func LoadConfig(dir string, options ...LoadOptions) error {
	var opts LoadOptions
	if len(options) > 0 {
		opts = options[0]
	} else {
		opts = DefaultLoadOptions()
	}

	if opts.ClearExisting {
		global.viper = viper.New()
	} else if !opts.AllowOverride {
		if global.viper.ConfigFileUsed() != "" {
			return fmt.Errorf("config already loaded, override not allowed")
		}
	}

	global.viper.SetConfigType("yaml")
	if dir != "" {
		global.viper.AddConfigPath(dir)
		configDir = dir
	}
	global.viper.AddConfigPath("./configs")
	global.viper.AddConfigPath(".")

	global.viper.SetEnvPrefix("CHUANTOU")
	global.viper.AutomaticEnv()

	global.viper.SetConfigName("app")
	if err := global.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading app.yaml: %w", err)
		}
	}

	for _, name := range []string{"server", "client", "log"} {
		global.viper.SetConfigName(name)
		if err := global.viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("reading %s.yaml: %w", name, err)
			}
		}
	}

	return nil
}

// InitializeConfig loads config files and sets the process-wide timezone.
func InitializeConfig(dir string, options ...LoadOptions) error {
	if err := LoadConfig(dir, options...); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := setupGlobalTimezone(); err != nil {
		log.Printf("set timezone failed: %v, falling back to default", err)
	}
	return nil
}

func setupGlobalTimezone() error {
	tz := GetString("app.local_timezone", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("load location %q: %w", tz, err)
	}
	time.Local = loc
	return nil
}

// GetVersion 返回应用版本号
func GetVersion() string {
	return GetString("app.version", "0.1.0")
}

// GetAppName 返回应用名称
func GetAppName() string {
	return GetString("app.name", "chuantou")
}

// GetNodeId returns a stable node identifier, resolved in priority order:
// config app.node_id, env CHUANTOU_NODE_ID/POD_NAME, a persisted .node_id
// file, or a hash of hostname+MAC addresses (persisted for next time).
func GetNodeId() string {
	nodeIdOnce.Do(func() {
		if id := GetString("app.node_id", ""); id != "" {
			cachedNodeId = id
			return
		}

		for _, envKey := range []string{"CHUANTOU_NODE_ID", "POD_NAME"} {
			if id := os.Getenv(envKey); id != "" {
				cachedNodeId = id
				return
			}
		}

		nodeIdFile := filepath.Join(GetConfigDir(), ".node_id")
		if id, err := path.ReadFileContent(nodeIdFile); err == nil && len(id) >= 8 {
			cachedNodeId = id
			return
		}

		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "unknown"
		}
		macData := net.GetAllMACAddresses()
		if macData == "" {
			macData = net.GetFirstIPv4Address()
		}
		hash := sha256.Sum256([]byte(hostname + "|" + macData))
		cachedNodeId = fmt.Sprintf("%x", hash)

		if err := path.WriteFileContent(nodeIdFile, cachedNodeId); err != nil {
			log.Printf("warning: could not persist node id: %v", err)
		}
	})
	return cachedNodeId
}

// GetConfigDir returns the directory configuration was last loaded from.
func GetConfigDir() string {
	if configDir != "" {
		return configDir
	}
	return "."
}

// ResetNodeId clears the cached node id. Test-only.
func ResetNodeId() {
	nodeIdOnce = sync.Once{}
	cachedNodeId = ""
}

// Clear resets the global configuration, discarding anything loaded.
func Clear() {
	global.viper = viper.New()
}

// IsExist reports whether key has been set, either via a config file or AutomaticEnv.
func IsExist(key string) bool {
	if global == nil || global.viper == nil {
		return false
	}
	return global.viper.IsSet(key)
}

// Get returns the raw value at key, or defaultValue if unset.
func Get(key string, defaultValue interface{}) interface{} {
	if !IsExist(key) {
		return defaultValue
	}
	return global.viper.Get(key)
}

// GetString returns the string value at key, or defaultValue if unset.
func GetString(key string, defaultValue string) string {
	if !IsExist(key) {
		return defaultValue
	}
	return global.viper.GetString(key)
}

// GetInt returns the int value at key, or defaultValue if unset.
func GetInt(key string, defaultValue int) int {
	if !IsExist(key) {
		return defaultValue
	}
	return global.viper.GetInt(key)
}

// GetBool returns the bool value at key, or defaultValue if unset.
func GetBool(key string, defaultValue bool) bool {
	if !IsExist(key) {
		return defaultValue
	}
	return global.viper.GetBool(key)
}

// GetStringSlice returns the string slice at key, or defaultValue if unset.
func GetStringSlice(key string, defaultValue []string) []string {
	if !IsExist(key) {
		return defaultValue
	}
	return global.viper.GetStringSlice(key)
}

// GetSection unmarshals the section at key into v.
func GetSection(key string, v interface{}) error {
	if !IsExist(key) {
		return fmt.Errorf("config section %q not found", key)
	}
	return global.viper.UnmarshalKey(key, v)
}

// OnConfigChange registers fsnotify-driven hot reload for non-structural
// settings (log level, heartbeat interval, session timeout). The handler
// takes no arguments; callers re-read the typed sections they care about.
func OnConfigChange(handler func()) {
	global.viper.OnConfigChange(func(_ fsnotify.Event) {
		handler()
	})
	global.viper.WatchConfig()
}

func (c *Config) Get(key string, defaultValue interface{}) interface{} {
	if c == nil || c.viper == nil || !c.viper.IsSet(key) {
		return defaultValue
	}
	return c.viper.Get(key)
}

func (c *Config) GetString(key string, defaultValue string) string {
	if c == nil || c.viper == nil || !c.viper.IsSet(key) {
		return defaultValue
	}
	return c.viper.GetString(key)
}

func (c *Config) GetInt(key string, defaultValue int) int {
	if c == nil || c.viper == nil || !c.viper.IsSet(key) {
		return defaultValue
	}
	return c.viper.GetInt(key)
}

func (c *Config) GetBool(key string, defaultValue bool) bool {
	if c == nil || c.viper == nil || !c.viper.IsSet(key) {
		return defaultValue
	}
	return c.viper.GetBool(key)
}

func (c *Config) Unmarshal(v interface{}) error {
	if c == nil || c.viper == nil {
		return fmt.Errorf("config instance not initialized")
	}
	return c.viper.Unmarshal(v)
}

func (c *Config) Set(key string, value interface{}) {
	if c == nil || c.viper == nil {
		return
	}
	c.viper.Set(key, value)
}

// Save writes the current configuration to path in YAML form.
func (c *Config) Save(path string) error {
	if c == nil || c.viper == nil {
		return fmt.Errorf("config instance not initialized")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := c.viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
