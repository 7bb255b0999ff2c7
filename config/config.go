package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"

	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

const defaultSystemPrompt = "Your purpose is to answer questions about specific documents only. " +
	"Please answer the user's questions based on what you know about the document. " +
	"If the question is outside scope of the document, please politely decline. " +
	"If you don't know the answer, say `I don't know`. "

// Provider defaults applied by WithDefaults when no model is configured.
const (
	DefaultOpenAIChatModel      = "gpt-4o-mini"
	DefaultOllamaChatModel      = "llama3.1"
	DefaultGeminiChatModel      = "gemini-2.5-flash"
	DefaultOpenAIEmbeddingModel = "text-embedding-3-large"
	DefaultOllamaEmbeddingModel = "nomic-embed-text"
	DefaultGeminiEmbeddingModel = "gemini-embedding-001"

	// text-embedding-3-large returns 3072 values unless asked otherwise.
	defaultOpenAIEmbeddingDimension = 3072
)

const defaultGreeting = "何か手伝えることはありますか？なんでもおっしゃってください。"

type Config struct {
	HTTPAddr     string `yaml:"http_addr"`
	DataDir      string `yaml:"data_dir"`
	IndexDir     string `yaml:"index_dir"`
	IndexBackend string `yaml:"index_backend"`
	PostgresDSN  string `yaml:"postgres_dsn"`

	LLM        LLMConfig       `yaml:"llm"`
	Embeddings EmbeddingConfig `yaml:"embeddings"`

	OpenAIAPIKey  string `yaml:"-"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	OllamaHost    string `yaml:"ollama_host"`
	GeminiAPIKey  string `yaml:"-"`

	SimilarityLimit int `yaml:"similarity_limit"`

	Chat ChatConfig `yaml:"chat"`
	CSV  CSVConfig  `yaml:"csv"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

// ChatConfig holds the fixed texts a session is seeded and prompted with.
type ChatConfig struct {
	SystemPrompt    string `yaml:"system_prompt"`
	Greeting        string `yaml:"greeting"`
	Language        string `yaml:"language"`
	Mode            string `yaml:"mode"`
	SummaryTemplate string `yaml:"summary_template"`
}

type CSVConfig struct {
	Paths      []string `yaml:"paths"`
	HeaderLine int      `yaml:"header_line"`
	Encoding   string   `yaml:"encoding"`
}

// Load builds the configuration from the environment. A .env file in the
// working directory is read first when present; real environment variables
// win over it.
func Load() Config {
	_ = godotenv.Load()
	return fromEnv()
}

// LoadEnvFile reads the given dotenv file into the process environment
// before building the configuration.
func LoadEnvFile(path string) (Config, error) {
	if err := godotenv.Load(path); err != nil {
		return Config{}, fmt.Errorf("load env file %s: %w", path, err)
	}
	return fromEnv(), nil
}

func fromEnv() Config {
	return Config{
		HTTPAddr:     getEnv("RAGCHAT_ADDR", ":8080"),
		DataDir:      getEnv("RAGCHAT_DATA_DIR", "data"),
		IndexDir:     getEnv("RAGCHAT_INDEX_DIR", ".kb"),
		IndexBackend: getEnv("RAGCHAT_INDEX_BACKEND", BackendSQLite),
		PostgresDSN:  getEnv("POSTGRES_DSN", "postgres://localhost:5432/ragchat?sslmode=disable"),
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", ProviderOpenAI),
			Model:    os.Getenv("LLM_MODEL"),
		},
		Embeddings: EmbeddingConfig{
			Provider:  getEnv("EMBEDDING_PROVIDER", ProviderOpenAI),
			Model:     os.Getenv("EMBEDDING_MODEL"),
			Dimension: getEnvInt("EMBEDDING_DIMENSION", 0),
		},
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		SimilarityLimit: getEnvInt("RAGCHAT_SIMILARITY_LIMIT", 5),
		Chat: ChatConfig{
			SystemPrompt:    getEnv("RAGCHAT_SYSTEM_PROMPT", defaultSystemPrompt),
			Greeting:        getEnv("RAGCHAT_GREETING", defaultGreeting),
			Language:        getEnv("RAGCHAT_LANGUAGE", "Japanese"),
			Mode:            getEnv("RAGCHAT_MODE", "prose"),
			SummaryTemplate: getEnv("RAGCHAT_SUMMARY_TEMPLATE", "Selected topic: %s"),
		},
		CSV: CSVConfig{
			Paths:      splitList(os.Getenv("RAGCHAT_CSV_PATHS")),
			HeaderLine: getEnvInt("RAGCHAT_CSV_HEADER_LINE", 3),
			Encoding:   getEnv("RAGCHAT_CSV_ENCODING", "utf-8-sig"),
		},
	}
}

// LoadFile overlays the YAML file at path on top of base. Keys absent from
// the file keep their base value. API keys are never read from the file.
func LoadFile(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// WithDefaults fills in the chat and embedding models of the selected
// providers when none is configured. The embedding dimension is only set
// for the OpenAI default model; zero disables the dimension check. Call it
// after every overlay so a provider switch in YAML picks its own models.
func (c Config) WithDefaults() Config {
	if c.LLM.Model == "" {
		switch c.LLM.Provider {
		case ProviderOpenAI:
			c.LLM.Model = DefaultOpenAIChatModel
		case ProviderOllama:
			c.LLM.Model = DefaultOllamaChatModel
		case ProviderGemini:
			c.LLM.Model = DefaultGeminiChatModel
		}
	}
	if c.Embeddings.Model == "" {
		switch c.Embeddings.Provider {
		case ProviderOpenAI:
			c.Embeddings.Model = DefaultOpenAIEmbeddingModel
			if c.Embeddings.Dimension == 0 {
				c.Embeddings.Dimension = defaultOpenAIEmbeddingDimension
			}
		case ProviderOllama:
			c.Embeddings.Model = DefaultOllamaEmbeddingModel
		case ProviderGemini:
			c.Embeddings.Model = DefaultGeminiEmbeddingModel
		}
	}
	return c
}

func (c Config) Validate() error {
	if err := validProvider("llm", c.LLM.Provider); err != nil {
		return err
	}
	if err := validProvider("embedding", c.Embeddings.Provider); err != nil {
		return err
	}
	switch c.IndexBackend {
	case BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("unknown index backend: %s", c.IndexBackend)
	}
	if c.SimilarityLimit <= 0 {
		return fmt.Errorf("similarity limit must be positive, got %d", c.SimilarityLimit)
	}
	if c.CSV.HeaderLine <= 0 {
		return fmt.Errorf("csv header line must be positive, got %d", c.CSV.HeaderLine)
	}
	if c.Embeddings.Dimension < 0 {
		return fmt.Errorf("embedding dimension must not be negative, got %d", c.Embeddings.Dimension)
	}
	if err := validSummaryTemplate(c.Chat.SummaryTemplate); err != nil {
		return err
	}
	return nil
}

// validSummaryTemplate accepts a template with exactly one verb, which must
// be a bare %s. Escaped percent signs are allowed.
func validSummaryTemplate(template string) error {
	verbs := 0
	for i := 0; i < len(template); i++ {
		if template[i] != '%' {
			continue
		}
		if i+1 < len(template) && template[i+1] == '%' {
			i++
			continue
		}
		if i+1 >= len(template) || template[i+1] != 's' {
			return fmt.Errorf("summary template %q: only %%s is allowed", template)
		}
		verbs++
		i++
	}
	if verbs != 1 {
		return fmt.Errorf("summary template %q must contain exactly one %%s, found %d", template, verbs)
	}
	return nil
}

func validProvider(kind, provider string) error {
	switch provider {
	case ProviderOpenAI, ProviderOllama, ProviderGemini:
		return nil
	default:
		return fmt.Errorf("unknown %s provider: %s", kind, provider)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
