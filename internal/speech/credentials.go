package speech

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// APIKeyEnv is the environment variable holding the speech API key.
const APIKeyEnv = "OPENAI_API_KEY"

// Credential sources, in lookup order.
const (
	SourceSettings = "settings"
	SourceEnv      = "env"
	SourceDotenv   = ".env"
)

// ResolveAPIKey finds the speech API key: the configured setting first, then
// the environment, then the given .env files. It returns the key and where it
// came from, or two empty strings.
func ResolveAPIKey(setting string, dotenvPaths ...string) (key, source string) {
	if k := strings.TrimSpace(setting); k != "" {
		return k, SourceSettings
	}
	if k := strings.TrimSpace(os.Getenv(APIKeyEnv)); k != "" {
		return k, SourceEnv
	}
	for _, p := range dotenvPaths {
		vals, err := godotenv.Read(p)
		if err != nil {
			continue
		}
		if k := strings.TrimSpace(vals[APIKeyEnv]); k != "" {
			return k, SourceDotenv
		}
	}
	return "", ""
}
