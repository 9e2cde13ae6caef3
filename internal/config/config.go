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
)

const (
	AppName     = "city-vision-capture"
	EnvFileName = "config.env"
)

// Upload backends.
const (
	UploadS3      = "s3"
	UploadHTTP    = "http"
	UploadPresign = "presign"
)

// Analysis backends.
const (
	AnalysisRemote = "remote"
	AnalysisGemini = "gemini"
)

// Config holds every setting of the capture tools. Values come from an
// optional YAML file, overridden by environment variables.
type Config struct {
	VisionAPIURL    string `yaml:"vision_api_url"`
	VisionAPIToken  string `yaml:"vision_api_token"`
	ProxyBaseURL    string `yaml:"proxy_base_url"`
	ClientUserAgent string `yaml:"client_user_agent"`

	UploadBackend string `yaml:"upload_backend"`
	UploadBaseURL string `yaml:"upload_base_url"`
	S3BucketName  string `yaml:"s3_bucket_name"`
	AWSRegion     string `yaml:"aws_region"`

	AnalysisBackend string `yaml:"analysis_backend"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
	GeminiModel     string `yaml:"gemini_model"`

	IPLookupURL    string `yaml:"ip_lookup_url"`
	DefaultCity    string `yaml:"default_city"`
	DefaultCountry string `yaml:"default_country"`

	CameraSnapshotURL string `yaml:"camera_snapshot_url"`
	CameraDeviceClass string `yaml:"camera_device_class"`

	DBPath          string `yaml:"db_path"`
	BotToken        string `yaml:"bot_token"`
	AdminTelegramID int64  `yaml:"admin_telegram_id"`

	ProxyListenAddr     string   `yaml:"proxy_listen_addr"`
	ProxyAllowedOrigins []string `yaml:"proxy_allowed_origins"`

	CompleteDelay time.Duration `yaml:"complete_delay"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		VisionAPIURL:      "http://0.0.0.0:8000",
		UploadBackend:     UploadS3,
		AWSRegion:         "us-east-1",
		AnalysisBackend:   AnalysisRemote,
		IPLookupURL:       "https://ipapi.co/json/",
		DefaultCity:       "Cluj-Napoca",
		DefaultCountry:    "Romania",
		CameraDeviceClass: "standard",
		DBPath:            "capture.db",
		ProxyListenAddr:   ":8080",
		CompleteDelay:     1500 * time.Millisecond,
	}
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// Load builds the config from defaults, the YAML file named by
// CAPTURE_CONFIG (if any) and the environment.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CAPTURE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"VISION_API_URL":      &c.VisionAPIURL,
		"VISION_API_TOKEN":    &c.VisionAPIToken,
		"PROXY_BASE_URL":      &c.ProxyBaseURL,
		"CLIENT_USER_AGENT":   &c.ClientUserAgent,
		"UPLOAD_BACKEND":      &c.UploadBackend,
		"UPLOAD_BASE_URL":     &c.UploadBaseURL,
		"S3_BUCKET_NAME":      &c.S3BucketName,
		"AWS_REGION":          &c.AWSRegion,
		"ANALYSIS_BACKEND":    &c.AnalysisBackend,
		"GEMINI_API_KEY":      &c.GeminiAPIKey,
		"GEMINI_MODEL":        &c.GeminiModel,
		"IP_LOOKUP_URL":       &c.IPLookupURL,
		"DEFAULT_CITY":        &c.DefaultCity,
		"DEFAULT_COUNTRY":     &c.DefaultCountry,
		"CAMERA_SNAPSHOT_URL": &c.CameraSnapshotURL,
		"CAMERA_DEVICE_CLASS": &c.CameraDeviceClass,
		"CAPTURE_DB_PATH":     &c.DBPath,
		"BOT_TOKEN":           &c.BotToken,
		"PROXY_LISTEN_ADDR":   &c.ProxyListenAddr,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("ADMIN_TELEGRAM_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ADMIN_TELEGRAM_ID must be a valid integer: %w", err)
		}
		c.AdminTelegramID = id
	}

	if v, ok := lookup("PROXY_ALLOWED_ORIGINS"); ok && v != "" {
		c.ProxyAllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.ProxyAllowedOrigins = append(c.ProxyAllowedOrigins, origin)
			}
		}
	}

	if v, ok := lookup("COMPLETE_DELAY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COMPLETE_DELAY must be a duration like 1.5s: %w", err)
		}
		c.CompleteDelay = d
	}
	return nil
}

// Command names what a config is validated for.
type Command int

const (
	CommandCapture Command = iota
	CommandBot
	CommandProxy
	CommandRelevance
)

// Validate reports the settings missing for cmd.
func (c Config) Validate(cmd Command) error {
	var missing []string
	need := func(key, value string) {
		if value == "" {
			missing = append(missing, key)
		}
	}

	switch cmd {
	case CommandCapture, CommandBot:
		switch c.UploadBackend {
		case UploadS3:
			need("S3_BUCKET_NAME", c.S3BucketName)
			need("AWS_REGION", c.AWSRegion)
		case UploadHTTP, UploadPresign:
			need("UPLOAD_BASE_URL", c.UploadBaseURL)
		default:
			return fmt.Errorf("UPLOAD_BACKEND must be one of s3, http, presign (got %q)", c.UploadBackend)
		}
		switch c.AnalysisBackend {
		case AnalysisRemote:
			need("VISION_API_URL", c.VisionAPIURL)
		case AnalysisGemini:
			need("GEMINI_API_KEY", c.GeminiAPIKey)
		default:
			return fmt.Errorf("ANALYSIS_BACKEND must be one of remote, gemini (got %q)", c.AnalysisBackend)
		}
		if cmd == CommandBot {
			need("BOT_TOKEN", c.BotToken)
			if c.AdminTelegramID == 0 {
				missing = append(missing, "ADMIN_TELEGRAM_ID")
			}
		}
	case CommandProxy:
		need("VISION_API_URL", c.VisionAPIURL)
		need("S3_BUCKET_NAME", c.S3BucketName)
	case CommandRelevance:
		need("VISION_API_URL", c.VisionAPIURL)
	}

	if len(missing) > 0 {
		return errors.New("missing required config: " + strings.Join(missing, ", "))
	}
	return nil
}
