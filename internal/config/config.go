package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"docqa/internal/apperr"
	"docqa/internal/backoff"
)

type Config struct {
	Server       ServerConfig   `yaml:"server"`
	RAG          RAGConfig      `yaml:"rag"`
	EmbedLLM     LLMConfig      `yaml:"embed_llm"`
	InferenceLLM LLMConfig      `yaml:"inference_llm"`
	Storage      StorageConfig  `yaml:"storage"`
	Database     DatabaseConfig `yaml:"database"`
	Log          LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// QueryTimeout bounds one POST /query and must end before WriteTimeout.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// IngestTimeout bounds one POST /ingest; its write deadline is extended to match.
	IngestTimeout time.Duration `yaml:"ingest_timeout"`
}

type RAGConfig struct {
	DocumentsDir string `yaml:"documents_dir"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	TopK         int    `yaml:"top_k"`
	BatchSize    int    `yaml:"batch_size"`
}

// LLMConfig describes one model endpoint, used for both embeddings and inference.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // ollama or openai
	BaseURL     string        `yaml:"base_url"`
	Key         string        `yaml:"key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

type StorageConfig struct {
	Backend         string `yaml:"backend"` // file or postgres
	DataDir         string `yaml:"data_dir"`
	KeepGenerations int    `yaml:"keep_generations"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // pgdriver or pq
	URL    string `yaml:"url"`
	Debug  bool   `yaml:"debug"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	BackendFile     = "file"
	BackendPostgres = "postgres"

	DriverPG = "pgdriver"
	DriverPQ = "pq"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			QueryTimeout:    270 * time.Second,
			IngestTimeout:   30 * time.Minute,
		},
		RAG: RAGConfig{
			DocumentsDir: "Documents",
			ChunkSize:    500,
			ChunkOverlap: 100,
			TopK:         2,
			BatchSize:    32,
		},
		EmbedLLM: LLMConfig{
			Provider:   ProviderOllama,
			BaseURL:    "http://localhost:11434",
			Model:      "all-minilm",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: 200 * time.Millisecond,
		},
		InferenceLLM: LLMConfig{
			Provider:    ProviderOllama,
			BaseURL:     "http://localhost:11434",
			Model:       "llama3.2",
			Timeout:     60 * time.Second,
			MaxRetries:  1,
			RetryDelay:  500 * time.Millisecond,
			Temperature: 0.1,
			MaxTokens:   500,
		},
		Storage: StorageConfig{
			Backend:         BackendFile,
			DataDir:         "data",
			KeepGenerations: 2,
		},
		Database: DatabaseConfig{
			Driver: DriverPG,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads the YAML file at path on top of the defaults, then
// applies .env and environment overrides and validates the result.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, apperr.Wrap(apperr.KindConfiguration, "parse "+path, err)
			}
		}
	}

	// .env is optional
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.RAG.DocumentsDir, "DOCUMENTS_DIR")
	setString(&c.Storage.DataDir, "DATA_DIR")
	setString(&c.Storage.Backend, "STORAGE_BACKEND")
	setString(&c.EmbedLLM.Model, "EMBEDDING_MODEL_NAME")
	setString(&c.EmbedLLM.BaseURL, "EMBEDDING_BASE_URL")
	setString(&c.InferenceLLM.Key, "GEMINI_API_KEY")
	setString(&c.InferenceLLM.Key, "LLM_API_KEY")
	setString(&c.InferenceLLM.BaseURL, "LLM_BASE_URL")
	setString(&c.InferenceLLM.Model, "LLM_MODEL")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Server.Addr, "HTTP_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")

	for name, dst := range map[string]*int{
		"CHUNK_SIZE":    &c.RAG.ChunkSize,
		"CHUNK_OVERLAP": &c.RAG.ChunkOverlap,
		"TOP_K":         &c.RAG.TopK,
	} {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return apperr.Newf(apperr.KindConfiguration, "%s must be an integer, got %q", name, v)
		}
		*dst = n
	}
	return nil
}

// Budget is the worst case duration of one call to this endpoint, retries included.
func (l LLMConfig) Budget() time.Duration {
	return backoff.Budget(l.Timeout, l.RetryDelay, l.MaxRetries)
}

// validate checks that a query, which embeds once and generates once, can
// fail with a structured response before the connection's write deadline.
func (s ServerConfig) validate(embed, inference LLMConfig) []string {
	var problems []string
	if s.WriteTimeout <= 0 {
		problems = append(problems, "server.write_timeout must be positive")
	}
	if s.IngestTimeout <= 0 {
		problems = append(problems, "server.ingest_timeout must be positive")
	}
	if s.QueryTimeout <= 0 {
		return append(problems, "server.query_timeout must be positive")
	}
	if s.WriteTimeout > 0 && s.QueryTimeout >= s.WriteTimeout {
		problems = append(problems, fmt.Sprintf("server.query_timeout %s must be shorter than server.write_timeout %s",
			s.QueryTimeout, s.WriteTimeout))
	}
	if worst := embed.Budget() + inference.Budget(); worst > s.QueryTimeout {
		problems = append(problems, fmt.Sprintf("worst case embed_llm + inference_llm time %s exceeds server.query_timeout %s",
			worst, s.QueryTimeout))
	}
	return problems
}

func setString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

// Validate collects every invalid setting into one configuration error.
func (c *Config) Validate() error {
	var problems []string
	if c.RAG.ChunkSize <= 0 {
		problems = append(problems, fmt.Sprintf("rag.chunk_size must be positive, got %d", c.RAG.ChunkSize))
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		problems = append(problems, fmt.Sprintf("rag.chunk_overlap must be in [0, chunk_size), got %d", c.RAG.ChunkOverlap))
	}
	if c.RAG.TopK <= 0 {
		problems = append(problems, fmt.Sprintf("rag.top_k must be positive, got %d", c.RAG.TopK))
	}
	if c.RAG.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("rag.batch_size must be positive, got %d", c.RAG.BatchSize))
	}
	for _, e := range []struct {
		name string
		llm  LLMConfig
	}{{"embed_llm", c.EmbedLLM}, {"inference_llm", c.InferenceLLM}} {
		name, llm := e.name, e.llm
		if llm.Provider != ProviderOllama && llm.Provider != ProviderOpenAI {
			problems = append(problems, fmt.Sprintf("%s.provider must be %q or %q, got %q", name, ProviderOllama, ProviderOpenAI, llm.Provider))
		}
		if llm.Model == "" {
			problems = append(problems, name+".model is required")
		}
		if llm.Timeout <= 0 {
			problems = append(problems, name+".timeout must be positive")
		}
		if llm.MaxRetries < 0 {
			problems = append(problems, name+".max_retries must not be negative")
		}
		if llm.RetryDelay < 0 {
			problems = append(problems, name+".retry_delay must not be negative")
		}
	}
	problems = append(problems, c.Server.validate(c.EmbedLLM, c.InferenceLLM)...)
	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.DataDir == "" {
			problems = append(problems, "storage.data_dir is required for the file backend")
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			problems = append(problems, "database.url is required for the postgres backend")
		}
		if c.Database.Driver != DriverPG && c.Database.Driver != DriverPQ {
			problems = append(problems, fmt.Sprintf("database.driver must be %q or %q, got %q", DriverPG, DriverPQ, c.Database.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend must be %q or %q, got %q", BackendFile, BackendPostgres, c.Storage.Backend))
	}
	if len(problems) > 0 {
		return apperr.New(apperr.KindConfiguration, strings.Join(problems, "; ")).
			WithDetail("problems", problems)
	}
	return nil
}
