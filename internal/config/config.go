package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DataDir string `env:"JURY_DATA_DIR"`
	DBPath  string `env:"JURY_DB_PATH"`

	Concurrency   int           `env:"JURY_CONCURRENCY" envDefault:"8"`
	MaxAttempts   int           `env:"JURY_MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay     time.Duration `env:"JURY_BASE_DELAY" envDefault:"2s"`
	MaxDelay      time.Duration `env:"JURY_MAX_DELAY" envDefault:"60s"`
	Jitter        float64       `env:"JURY_JITTER" envDefault:"0.2"`
	CallTimeout   time.Duration `env:"JURY_CALL_TIMEOUT" envDefault:"120s"`
	ProgressEvery int           `env:"JURY_PROGRESS_EVERY" envDefault:"25"`

	Judge JudgeConfig
	Log   LogConfig
}

// JudgeConfig holds default credentials; individual judges may override the
// key through api_key_env in the spec.
type JudgeConfig struct {
	BaseURL string `env:"JUDGE_BASE_URL" envDefault:"https://api.openai.com/v1"`
	APIKey  string `env:"JUDGE_API_KEY"`
}

type LogConfig struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	Format     string `env:"LOG_FORMAT" envDefault:"text"`
	Output     string `env:"LOG_OUTPUT" envDefault:"both"`
	MaxSize    int    `env:"LOG_MAX_SIZE" envDefault:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"7"`
	MaxAge     int    `env:"LOG_MAX_AGE" envDefault:"7"`
	Compress   bool   `env:"LOG_COMPRESS" envDefault:"true"`
	// Dir defaults to <data dir>/logs.
	Dir string `env:"LOG_DIR"`
}

func New() (*Config, error) {
	// A missing .env is normal; values may come from the real environment.
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}

	if c.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		c.DataDir = filepath.Join(homeDir, ".jury")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "jury.db")
	}
	if c.Log.Dir == "" {
		c.Log.Dir = filepath.Join(c.DataDir, "logs")
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}

	return &c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.WorkspacesDir(), 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "runs")
}

// APIKeyFor resolves a judge key: the named variable when set, else the default.
func (c *Config) APIKeyFor(envName string) string {
	if envName != "" {
		if v, ok := os.LookupEnv(envName); ok {
			return v
		}
	}
	return c.Judge.APIKey
}
