package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM struct {
		Provider    string        `yaml:"provider"`
		BaseURL     string        `yaml:"base_url"`
		APIKey      string        `yaml:"api_key"`
		Model       string        `yaml:"model"`
		MaxTokens   int           `yaml:"max_tokens"`
		Temperature float64       `yaml:"temperature"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"llm"`

	Embedding struct {
		Provider  string        `yaml:"provider"`
		BaseURL   string        `yaml:"base_url"`
		APIKey    string        `yaml:"api_key"`
		Model     string        `yaml:"model"`
		Dimension int           `yaml:"dimension"`
		BatchSize int           `yaml:"batch_size"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"embedding"`

	Store struct {
		Backend string `yaml:"backend"`
	} `yaml:"store"`

	Database struct {
		URL      string `yaml:"url"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"database"`

	Queue struct {
		Backend      string        `yaml:"backend"`
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		Name         string        `yaml:"name"`
		BlockTimeout time.Duration `yaml:"block_timeout"`
	} `yaml:"queue"`

	Scraper struct {
		Timeout      time.Duration `yaml:"timeout"`
		RateLimit    float64       `yaml:"rate_limit"`
		UserAgent    string        `yaml:"user_agent"`
		MaxBodyBytes int64         `yaml:"max_body_bytes"`
	} `yaml:"scraper"`

	Chunker struct {
		MaxChars int `yaml:"max_chars"`
	} `yaml:"chunker"`

	// Zero counts and thresholds take the defaults. MinSimilarity is the
	// exception: an explicit 0 turns the similarity threshold off.
	Retrieval struct {
		CandidateLimit   int      `yaml:"candidate_limit"`
		MaxContexts      int      `yaml:"max_contexts"`
		PerSourceCap     int      `yaml:"per_source_cap"`
		MinSimilarity    *float64 `yaml:"min_similarity"`
		AnswerConfidence float64  `yaml:"answer_confidence"`
		DiversityKey     string   `yaml:"diversity_key"`
	} `yaml:"retrieval"`

	Worker struct {
		Concurrency int           `yaml:"concurrency"`
		StaleAfter  time.Duration `yaml:"stale_after"`
	} `yaml:"worker"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
	} `yaml:"log"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/sift/config.yaml"),
			"/etc/sift/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = "ollama"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.2
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == "ollama" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = 60 * time.Second
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = config.LLM.Provider
	}
	if config.Embedding.BaseURL == "" && config.Embedding.Provider == config.LLM.Provider {
		config.Embedding.BaseURL = config.LLM.BaseURL
	}
	if config.Embedding.APIKey == "" && config.Embedding.Provider == config.LLM.Provider {
		config.Embedding.APIKey = config.LLM.APIKey
	}
	if config.Embedding.Model == "" {
		switch config.Embedding.Provider {
		case "voyageai":
			config.Embedding.Model = "voyage-3"
		default:
			config.Embedding.Model = "mxbai-embed-large"
		}
	}
	if config.Embedding.Dimension == 0 {
		config.Embedding.Dimension = 1024
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 64
	}
	if config.Embedding.Timeout == 0 {
		config.Embedding.Timeout = 60 * time.Second
	}

	if config.Store.Backend == "" {
		config.Store.Backend = "postgres"
	}
	if config.Database.MaxConns == 0 {
		config.Database.MaxConns = 10
	}

	if config.Queue.Backend == "" {
		config.Queue.Backend = "redis"
	}
	if config.Queue.Addr == "" {
		config.Queue.Addr = "localhost:6379"
	}
	if config.Queue.Name == "" {
		config.Queue.Name = "ingestion_queue"
	}
	if config.Queue.BlockTimeout == 0 {
		config.Queue.BlockTimeout = 5 * time.Second
	}

	if config.Scraper.Timeout == 0 {
		config.Scraper.Timeout = 10 * time.Second
	}
	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2.0
	}
	if config.Scraper.UserAgent == "" {
		config.Scraper.UserAgent = "sift/1.0 (+https://github.com/xhad/sift)"
	}
	if config.Scraper.MaxBodyBytes == 0 {
		config.Scraper.MaxBodyBytes = 10 << 20
	}

	if config.Chunker.MaxChars == 0 {
		config.Chunker.MaxChars = 1200
	}

	if config.Retrieval.CandidateLimit == 0 {
		config.Retrieval.CandidateLimit = 12
	}
	if config.Retrieval.MaxContexts == 0 {
		config.Retrieval.MaxContexts = 5
	}
	if config.Retrieval.PerSourceCap == 0 {
		config.Retrieval.PerSourceCap = 2
	}
	if config.Retrieval.MinSimilarity == nil {
		minSimilarity := 0.2
		config.Retrieval.MinSimilarity = &minSimilarity
	}
	if config.Retrieval.AnswerConfidence == 0 {
		config.Retrieval.AnswerConfidence = 0.85
	}
	if config.Retrieval.DiversityKey == "" {
		config.Retrieval.DiversityKey = "document"
	}

	if config.Worker.Concurrency == 0 {
		config.Worker.Concurrency = 2
	}
	if config.Worker.StaleAfter == 0 {
		config.Worker.StaleAfter = 15 * time.Minute
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && config.LLM.Provider != "googleai" {
		config.LLM.APIKey = apiKey
	}
	if apiKey := os.Getenv("GOOGLE_API_KEY"); apiKey != "" && config.LLM.Provider == "googleai" {
		config.LLM.APIKey = apiKey
	}
	if apiKey := os.Getenv("VOYAGEAI_API_KEY"); apiKey != "" && config.Embedding.Provider == "voyageai" {
		config.Embedding.APIKey = apiKey
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.Queue.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Queue.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			config.Queue.DB = n
		}
	}
	if level := os.Getenv("SIFT_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}
