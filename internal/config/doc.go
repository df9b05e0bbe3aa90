// Package config provides configuration management for the assistant worker.
//
// Configuration is loaded from environment variables and validated on startup.
// All options have development defaults; production mode (APP_ENV=production)
// additionally requires provider credentials so that a misconfigured deploy
// fails fast instead of degrading at runtime.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg)
package config
