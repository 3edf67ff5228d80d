package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Service struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// Provider selects the implementation behind an oracle: "http" talks to
// the service URL, the others to the hosted APIs.
type Oracle struct {
	Service  `mapstructure:",squash" yaml:",inline"`
	Provider string `mapstructure:"provider" yaml:"provider"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Model    string `mapstructure:"model" yaml:"model,omitempty"`
	TopN     int    `mapstructure:"top_n" yaml:"top_n,omitempty"`
}

type Retry struct {
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed" yaml:"max_elapsed"`
}

type Breaker struct {
	MaxRequests  uint32        `mapstructure:"max_requests" yaml:"max_requests"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests" yaml:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio" yaml:"failure_ratio"`
}

type Services struct {
	ASR      Oracle        `mapstructure:"asr" yaml:"asr"`
	Encoder  Service       `mapstructure:"encoder" yaml:"encoder"`
	Keywords Oracle        `mapstructure:"keywords" yaml:"keywords"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retry    Retry         `mapstructure:"retry" yaml:"retry"`
	Breaker  Breaker       `mapstructure:"breaker" yaml:"breaker"`
}

type Audio struct {
	SampleRate int `mapstructure:"sample_rate" yaml:"sample_rate"`
}

type Server struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	MaxUploadMB     int64         `mapstructure:"max_upload_mb" yaml:"max_upload_mb"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CacheSize       int           `mapstructure:"cache_size" yaml:"cache_size"`
}

type Clustering struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	Eps                 float64 `mapstructure:"eps" yaml:"eps"`
	DensityMetric       string  `mapstructure:"density_metric" yaml:"density_metric"`
	UseDBSCAN           bool    `mapstructure:"use_dbscan" yaml:"use_dbscan"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
}

type Store struct {
	// Backend is "postgres" or "memory". The memory backend loses
	// everything on restart and is a degraded mode.
	Backend          string        `mapstructure:"backend" yaml:"backend"`
	DSN              string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns     int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	LockKey          int64         `mapstructure:"lock_key" yaml:"lock_key"`
	AutoMigrate      bool          `mapstructure:"auto_migrate" yaml:"auto_migrate"`
	DegradedFallback bool          `mapstructure:"degraded_fallback" yaml:"degraded_fallback"`
}

type S3 struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	PublicURL string `mapstructure:"public_url" yaml:"public_url"`
}

type Blob struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	S3      S3     `mapstructure:"s3" yaml:"s3"`
}

type Ledger struct {
	Dir      string        `mapstructure:"dir" yaml:"dir"`
	InMemory bool          `mapstructure:"in_memory" yaml:"in_memory"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type Root struct {
	Pipeline struct {
		Name      string `mapstructure:"name" yaml:"name"`
		Version   string `mapstructure:"version" yaml:"version"`
		LogLvl    string `mapstructure:"log_level" yaml:"log_level"`
		LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	} `mapstructure:"pipeline" yaml:"pipeline"`
	Server     Server     `mapstructure:"server" yaml:"server"`
	Audio      Audio      `mapstructure:"audio" yaml:"audio"`
	Services   Services   `mapstructure:"services" yaml:"services"`
	Clustering Clustering `mapstructure:"clustering" yaml:"clustering"`
	Store      Store      `mapstructure:"store" yaml:"store"`
	Blob       Blob       `mapstructure:"blob" yaml:"blob"`
	Ledger     Ledger     `mapstructure:"ledger" yaml:"ledger"`
	Paths      struct {
		Temp string `mapstructure:"temp" yaml:"temp"`
	} `mapstructure:"paths" yaml:"paths"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" yaml:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.name", "bhasha-pipeline")
	v.SetDefault("pipeline.version", "0.1.0")
	v.SetDefault("pipeline.log_level", "info")
	v.SetDefault("pipeline.log_format", "text")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("server.max_upload_mb", 50)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.cache_size", 512)

	v.SetDefault("audio.sample_rate", 16000)

	v.SetDefault("services.asr.provider", "http")
	v.SetDefault("services.asr.url", "http://localhost:8001")
	v.SetDefault("services.asr.base_url", "")
	v.SetDefault("services.asr.model", "")
	v.SetDefault("services.encoder.url", "http://localhost:8002")
	v.SetDefault("services.keywords.provider", "none")
	v.SetDefault("services.keywords.url", "")
	v.SetDefault("services.keywords.model", "")
	v.SetDefault("services.keywords.top_n", 5)
	v.SetDefault("services.timeout", 60*time.Second)
	v.SetDefault("services.retry.max_retries", 3)
	v.SetDefault("services.retry.initial_interval", 200*time.Millisecond)
	v.SetDefault("services.retry.max_interval", 5*time.Second)
	v.SetDefault("services.retry.max_elapsed", 90*time.Second)
	v.SetDefault("services.breaker.max_requests", 1)
	v.SetDefault("services.breaker.interval", 60*time.Second)
	v.SetDefault("services.breaker.timeout", 30*time.Second)
	v.SetDefault("services.breaker.min_requests", 5)
	v.SetDefault("services.breaker.failure_ratio", 0.6)

	v.SetDefault("clustering.similarity_threshold", 0.85)
	v.SetDefault("clustering.eps", 5.0)
	v.SetDefault("clustering.density_metric", "euclidean")
	v.SetDefault("clustering.use_dbscan", false)
	v.SetDefault("clustering.confidence_threshold", 0.75)

	v.SetDefault("store.backend", "postgres")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("store.lock_key", 7245001)
	v.SetDefault("store.auto_migrate", true)
	v.SetDefault("store.degraded_fallback", false)

	v.SetDefault("blob.backend", "local")
	v.SetDefault("blob.dir", filepath.Join("data", "uploads"))
	v.SetDefault("blob.base_url", "http://localhost:8000/files")
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.region", "")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.access_key", "")
	v.SetDefault("blob.s3.secret_key", "")
	v.SetDefault("blob.s3.prefix", "audio")
	v.SetDefault("blob.s3.public_url", "")

	v.SetDefault("ledger.dir", filepath.Join("data", "ledger"))
	v.SetDefault("ledger.in_memory", false)
	v.SetDefault("ledger.ttl", 30*24*time.Hour)

	v.SetDefault("paths.temp", os.TempDir())
}

// Load reads the first config file it finds and layers the environment on
// top. path, when set, must exist.
func Load(path string) (*Root, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BHASHA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names the deployment already exports.
	_ = v.BindEnv("store.dsn", "BHASHA_STORE_DSN", "DATABASE_URL")
	_ = v.BindEnv("services.encoder.url", "BHASHA_SERVICES_ENCODER_URL", "ENCODER_URL")
	_ = v.BindEnv("services.asr.api_key", "BHASHA_SERVICES_ASR_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("services.keywords.api_key", "BHASHA_SERVICES_KEYWORDS_API_KEY", "GEMINI_API_KEY")

	file := path
	if file == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		guess := []string{
			filepath.Join("config", env, "config.yaml"),
			"config.yaml",
		}
		for _, p := range guess {
			if _, err := os.Stat(p); err == nil {
				file = p
				break
			}
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Root
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.File = file
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Root) Validate() error {
	var errs []error
	cl := c.Clustering
	if cl.SimilarityThreshold < -1 || cl.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("clustering.similarity_threshold %v outside [-1,1]", cl.SimilarityThreshold))
	}
	if cl.ConfidenceThreshold < 0 || cl.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("clustering.confidence_threshold %v outside [0,1]", cl.ConfidenceThreshold))
	}
	if cl.Eps <= 0 {
		errs = append(errs, fmt.Errorf("clustering.eps must be positive, got %v", cl.Eps))
	}
	switch cl.DensityMetric {
	case "euclidean", "cosine":
	default:
		errs = append(errs, fmt.Errorf("clustering.density_metric %q is not euclidean or cosine", cl.DensityMetric))
	}
	switch c.Store.Backend {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not postgres or memory", c.Store.Backend))
	}
	switch c.Blob.Backend {
	case "local":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend %q is not local or s3", c.Blob.Backend))
	}
	switch c.Services.ASR.Provider {
	case "http", "openai":
	default:
		errs = append(errs, fmt.Errorf("services.asr.provider %q is not http or openai", c.Services.ASR.Provider))
	}
	switch c.Services.Keywords.Provider {
	case "none", "http", "gemini":
	default:
		errs = append(errs, fmt.Errorf("services.keywords.provider %q is not none, http or gemini", c.Services.Keywords.Provider))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("server.max_upload_mb must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Dump renders the effective configuration as YAML. Secrets are masked.
func (c *Root) Dump() ([]byte, error) {
	cp := *c
	cp.Services.ASR.APIKey = mask(cp.Services.ASR.APIKey)
	cp.Services.Keywords.APIKey = mask(cp.Services.Keywords.APIKey)
	cp.Blob.S3.AccessKey = mask(cp.Blob.S3.AccessKey)
	cp.Blob.S3.SecretKey = mask(cp.Blob.S3.SecretKey)
	cp.Store.DSN = maskDSN(cp.Store.DSN)
	return yaml.Marshal(&cp)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// dsnPassword matches a password in libpq key/value form or in a URL query,
// quoted or not.
var dsnPassword = regexp.MustCompile(`(?i)(\bpassword\s*=\s*)('(?:[^'\\]|\\.)*'|[^\s&']+)`)

// maskDSN hides the password of a postgres DSN, URL or key/value form.
func maskDSN(dsn string) string {
	dsn = dsnPassword.ReplaceAllString(dsn, "${1}****")
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if i := strings.Index(userinfo, ":"); i >= 0 {
		return dsn[:scheme+3] + userinfo[:i] + ":****" + dsn[at:]
	}
	return dsn
}
