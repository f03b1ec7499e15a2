package session

import (
	"os"

	"github.com/matheus3301/chatsync/internal/config"
)

const DefaultSessionName = "main"

// EnvSession names the environment variable that selects a session when no
// --session flag is given.
const EnvSession = "CHATSYNC_SESSION"

// Resolve picks the session name. The --session flag wins, then
// $CHATSYNC_SESSION, then default_session from ~/.chatsync/config.toml, then
// "main". An invalid default_session is ignored; flag and environment values
// are returned as given so the caller reports the bad name.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(EnvSession); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" && ValidateName(cfg.DefaultSession) == nil {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
