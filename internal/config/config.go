package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// OpenAIKey authenticates both the realtime streaming channel and the
	// stateless vision channel.
	OpenAIKey     string
	RealtimeModel string
	VisionModel   string

	// Session defaults negotiated on connect; all overridable at runtime.
	Voice        string
	Instructions string
	Language     string

	// Server-side voice activity detection tuning.
	VADThreshold      float64
	SilenceDurationMs int
	PrefixPaddingMs   int
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded; using process environment")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		log.Println("Warning: OPENAI_API_KEY not set - streaming and vision channels will not work")
	}

	realtimeModel := os.Getenv("REALTIME_MODEL")
	if realtimeModel == "" {
		realtimeModel = "gpt-4o-realtime-preview"
	}
	visionModel := os.Getenv("VISION_MODEL")
	if visionModel == "" {
		visionModel = "gpt-4o"
	}

	voice := os.Getenv("SESSION_VOICE")
	if voice == "" {
		voice = "alloy"
	}
	instructions := os.Getenv("SESSION_INSTRUCTIONS")
	if instructions == "" {
		instructions = "You are a helpful, concise assistant for a headset user. Answer clearly and briefly."
	}
	language := os.Getenv("SESSION_LANGUAGE")
	if language == "" {
		language = "en-US"
	}

	vadThreshold := envFloat("VAD_THRESHOLD", 0.5)
	silenceMs := envInt("VAD_SILENCE_MS", 500)
	prefixMs := envInt("VAD_PREFIX_MS", 300)

	log.Printf("config: HTTP_ADDRESS=%s realtime=%s vision=%s", addr, realtimeModel, visionModel)
	return Config{
		HTTPAddress:       addr,
		OpenAIKey:         key,
		RealtimeModel:     realtimeModel,
		VisionModel:       visionModel,
		Voice:             voice,
		Instructions:      instructions,
		Language:          language,
		VADThreshold:      vadThreshold,
		SilenceDurationMs: silenceMs,
		PrefixPaddingMs:   prefixMs,
	}
}

func envFloat(name string, def float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %v", name, raw, def)
		return def
	}
	return v
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %v", name, raw, def)
		return def
	}
	return v
}
