package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config notdeveloper 全局配置
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	DataStore   DataStoreConfig   `mapstructure:"datastore"`
	Prefs       PrefsConfig       `mapstructure:"prefs"`
	Service     ServiceConfig     `mapstructure:"service"`
	Broadcast   BroadcastConfig   `mapstructure:"broadcast"`
	Propagation PropagationConfig `mapstructure:"propagation"`
	Platform    PlatformConfig    `mapstructure:"platform"`
	Log         LogConfig         `mapstructure:"log"`
}

// AppConfig 配置应用自身的标识
type AppConfig struct {
	Package   string `mapstructure:"package"`   // 配置应用包名，自身进程只安装状态探针
	Authority string `mapstructure:"authority"` // provider authority
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"` // 监听地址，如 127.0.0.1:8765
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // sqlite, mysql
	Path     string `mapstructure:"path"` // sqlite 文件路径
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

// DataStoreConfig CBOR 设置文件目录
type DataStoreConfig struct {
	Dir string `mapstructure:"dir"`
}

// PrefsConfig hook 侧读取的偏好快照
type PrefsConfig struct {
	SnapshotPath string `mapstructure:"snapshot_path"`
}

// ServiceConfig 跨进程服务配置
type ServiceConfig struct {
	URL            string   `mapstructure:"url"`             // 客户端连接地址
	AllowedCallers []string `mapstructure:"allowed_callers"` // 允许获取 binder 句柄的调用方包名
	CallTimeout    int      `mapstructure:"call_timeout"`    // seconds
}

type BroadcastConfig struct {
	Driver   string         `mapstructure:"driver"` // memory, rabbitmq
	Workers  int            `mapstructure:"workers"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Exchange string `mapstructure:"exchange"`
}

// PropagationConfig 设置变更通知配置
type PropagationConfig struct {
	Timeout int `mapstructure:"timeout"` // seconds，等待 system_server 回执
}

// PlatformConfig 平台访问方式
type PlatformConfig struct {
	Driver string    `mapstructure:"driver"` // adb, memory
	ADB    ADBConfig `mapstructure:"adb"`
}

type ADBConfig struct {
	Target  string `mapstructure:"target"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

type LogConfig struct {
	Level        string `mapstructure:"level"`         // debug, info, warn, error
	Format       string `mapstructure:"format"`        // json, text
	XposedMirror bool   `mapstructure:"xposed_mirror"` // warn/error 同步写入 Xposed 日志
}

// PropagationTimeout 返回回执等待时长
func (c *Config) PropagationTimeout() time.Duration {
	if c.Propagation.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Propagation.Timeout) * time.Second
}

// CallTimeout 返回单次跨进程调用超时
func (c *Config) CallTimeout() time.Duration {
	if c.Service.CallTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Service.CallTimeout) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.package", "top.ltfan.notdeveloper")
	v.SetDefault("app.authority", "top.ltfan.notdeveloper.provider")
	v.SetDefault("server.addr", "127.0.0.1:8765")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/notdeveloper.db")
	v.SetDefault("datastore.dir", "./data/datastore")
	v.SetDefault("prefs.snapshot_path", "./data/prefs/detections.yaml")
	v.SetDefault("service.url", "http://127.0.0.1:8765")
	v.SetDefault("service.allowed_callers", []string{"com.android.providers.settings", "android"})
	v.SetDefault("service.call_timeout", 5)
	v.SetDefault("broadcast.driver", "memory")
	v.SetDefault("broadcast.workers", 4)
	v.SetDefault("broadcast.rabbitmq.port", 5672)
	v.SetDefault("broadcast.rabbitmq.vhost", "")
	v.SetDefault("broadcast.rabbitmq.exchange", "notdeveloper.broadcast")
	v.SetDefault("propagation.timeout", 30)
	v.SetDefault("platform.driver", "adb")
	v.SetDefault("platform.adb.timeout", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.xposed_mirror", true)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（NOTDEV_SERVER_ADDR 等）
	v.SetEnvPrefix("NOTDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("broadcast.rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("broadcast.rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("broadcast.rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("broadcast.rabbitmq.password", "RABBITMQ_PASS")
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")
	v.BindEnv("platform.adb.target", "ADB_TARGET")
	return v
}

// Load 从 YAML 文件加载配置，path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default 返回默认配置
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// 默认值本身不会解析失败
		panic(err)
	}
	return cfg
}
