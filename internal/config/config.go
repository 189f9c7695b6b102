// Package config reads and writes the proctor configuration file and
// applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/0x6d61/proctor/internal/engine"
)

// Config is the top-level structure of proctor.yaml.
type Config struct {
	Version      int                `yaml:"version"`
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Interview    InterviewConfig    `yaml:"interview"`
	LLM          LLMConfig          `yaml:"llm"`
	Verification VerificationConfig `yaml:"verification"`
	Events       EventsConfig       `yaml:"events"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	JWTSecret       string   `yaml:"jwt_secret"` // empty enables X-User-ID dev mode
	MaxUploadBytes  int64    `yaml:"max_upload_bytes"`
	ShutdownTimeout int      `yaml:"shutdown_timeout"` // seconds
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// InterviewConfig holds the session rules.
type InterviewConfig struct {
	TotalQuestions       int     `yaml:"total_questions"`
	DefaultTimeLimit     int     `yaml:"default_time_limit"`    // seconds
	VerificationInterval int     `yaml:"verification_interval"` // seconds, 0 disables scheduled checks
	VerificationTimeout  int     `yaml:"verification_timeout"`  // seconds
	GradingTimeout       int     `yaml:"grading_timeout"`       // seconds
	MaxAlerts            int     `yaml:"max_alerts"`
	MinConfidence        float64 `yaml:"min_confidence"`
	FrameMaxAge          int     `yaml:"frame_max_age"` // seconds
	QuestionBank         string  `yaml:"question_bank"`
	RetainDays           int     `yaml:"retain_days"`
}

// LLMConfig configures question generation, grading and summaries.
type LLMConfig struct {
	BaseURL string  `yaml:"base_url"`
	APIKey  string  `yaml:"api_key"`
	Model   string  `yaml:"model"`
	MaxRPS  float64 `yaml:"max_rps"`
	Timeout int     `yaml:"timeout"` // seconds
}

// VerificationConfig locates the face and voice comparison services.
type VerificationConfig struct {
	FaceURL  string `yaml:"face_url"`
	VoiceURL string `yaml:"voice_url"`
	APIKey   string `yaml:"api_key"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// EventsConfig controls event fan-out.
type EventsConfig struct {
	AMQPURL    string `yaml:"amqp_url"` // empty disables publishing
	Exchange   string `yaml:"exchange"`
	BufferSize int    `yaml:"buffer_size"`
}

// LogConfig controls logging.
type LogConfig struct {
	Verbose int    `yaml:"verbose"`
	Format  string `yaml:"format"` // "text" | "json"
}

// DefaultConfig returns a Config populated with the reference defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Addr:            ":8000",
			AllowedOrigins:  []string{"http://localhost:3000"},
			MaxUploadBytes:  10 << 20,
			ShutdownTimeout: 10,
		},
		Database: DatabaseConfig{
			Path: "proctor.db",
		},
		Interview: InterviewConfig{
			TotalQuestions:       engine.DefaultTotalQuestions,
			DefaultTimeLimit:     300,
			VerificationInterval: 5,
			VerificationTimeout:  3,
			GradingTimeout:       30,
			MaxAlerts:            5,
			MinConfidence:        0.5,
			FrameMaxAge:          15,
			RetainDays:           30,
		},
		LLM: LLMConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "openai/gpt-4o-mini",
			MaxRPS:  5,
			Timeout: 30,
		},
		Verification: VerificationConfig{
			Timeout: 3,
		},
		Events: EventsConfig{
			Exchange:   "proctor.events",
			BufferSize: 256,
		},
		Log: LogConfig{
			Verbose: 1,
			Format:  "text",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when
// path is empty) and then with the environment. A .env file in the working
// directory is loaded first if present; it never overrides variables that
// are already set.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write writes cfg as YAML to path, creating the parent directory.
func Write(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"PROCTOR_DB":         &c.Database.Path,
		"PROCTOR_ADDR":       &c.Server.Addr,
		"PROCTOR_JWT_SECRET": &c.Server.JWTSecret,
		"OPENROUTER_API_KEY": &c.LLM.APIKey,
		"PROCTOR_LLM_URL":    &c.LLM.BaseURL,
		"PROCTOR_LLM_MODEL":  &c.LLM.Model,
		"PROCTOR_AMQP_URL":   &c.Events.AMQPURL,
		"PROCTOR_FACE_URL":   &c.Verification.FaceURL,
		"PROCTOR_VOICE_URL":  &c.Verification.VoiceURL,
		"PROCTOR_LOG_FORMAT": &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PROCTOR_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("PROCTOR_MAX_ALERTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROCTOR_MAX_ALERTS: %w", err)
		}
		c.Interview.MaxAlerts = n
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("config: server.addr is required")
	case c.Database.Path == "":
		return errors.New("config: database.path is required")
	case c.Interview.TotalQuestions <= 0:
		return fmt.Errorf("config: interview.total_questions must be positive, got %d", c.Interview.TotalQuestions)
	case c.Interview.DefaultTimeLimit <= 0:
		return fmt.Errorf("config: interview.default_time_limit must be positive, got %d", c.Interview.DefaultTimeLimit)
	case c.Interview.MaxAlerts <= 0:
		return fmt.Errorf("config: interview.max_alerts must be positive, got %d", c.Interview.MaxAlerts)
	case c.Interview.MinConfidence < 0 || c.Interview.MinConfidence > 1:
		return fmt.Errorf("config: interview.min_confidence must be within [0, 1], got %v", c.Interview.MinConfidence)
	case c.Interview.VerificationInterval < 0 || c.Interview.VerificationTimeout < 0 || c.Interview.GradingTimeout < 0:
		return errors.New("config: interview timeouts must not be negative")
	case c.LLM.MaxRPS < 0:
		return fmt.Errorf("config: llm.max_rps must not be negative, got %v", c.LLM.MaxRPS)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unsupported log.format %q", c.Log.Format)
	}
	return nil
}

// Engine returns the orchestrator configuration derived from c.
func (c *Config) Engine() *engine.Config {
	ec := engine.DefaultConfig()
	ec.TotalQuestions = c.Interview.TotalQuestions
	ec.DefaultTimeLimit = seconds(c.Interview.DefaultTimeLimit)
	ec.VerificationInterval = seconds(c.Interview.VerificationInterval)
	ec.VerificationTimeout = seconds(c.Interview.VerificationTimeout)
	ec.GradingTimeout = seconds(c.Interview.GradingTimeout)
	ec.MaxAlerts = c.Interview.MaxAlerts
	ec.MinConfidence = c.Interview.MinConfidence
	return ec
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
