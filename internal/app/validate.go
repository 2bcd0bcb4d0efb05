package app

import (
	"fmt"
	"os"

	"r3chat/pkg/config"

	"github.com/adhocore/gronx"
)

// validateConfig performs quick, fail-fast validation of the effective
// configuration before starting long-running services. Keep checks light
// and focused so callers can surface user-friendly errors.
func validateConfig(eff config.EffectiveConfigResult) error {
	// DB path must be present
	if eff.DBPath == "" {
		return fmt.Errorf("database path is empty: set --db flag, R3CHAT_DB_PATH env, or storage.db_path in config")
	}

	// TLS cert/key presence check if one is set
	cert := eff.Config.Server.TLS.CertFile
	key := eff.Config.Server.TLS.KeyFile
	if (cert != "" && key == "") || (cert == "" && key != "") {
		return fmt.Errorf("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert file not accessible: %w", err)
		}
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("tls key file not accessible: %w", err)
		}
	}

	if eff.Config.Sweeper.Enabled && eff.Config.Sweeper.Cron != "" {
		if !gronx.IsValid(eff.Config.Sweeper.Cron) {
			return fmt.Errorf("invalid sweeper.cron expression: %s", eff.Config.Sweeper.Cron)
		}
	}

	// Generation needs a provider key; fail at startup rather than on the
	// first stream request.
	if eff.Config.Provider.APIKey == "" && os.Getenv("R3CHAT_PROVIDER_API_KEY") == "" {
		return fmt.Errorf("provider api key is empty: set R3CHAT_PROVIDER_API_KEY or provider.api_key in config")
	}

	return nil
}
