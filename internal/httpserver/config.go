package httpserver

import "time"

// Config carries everything the HTTP façade needs to serve.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string

	// JWTSigningKey validates user session bearer tokens (HS256).
	JWTSigningKey string

	// MidtransServerKey verifies notification signatures.
	MidtransServerKey string

	// XenditCallbackToken is the shared secret expected in x-callback-token.
	XenditCallbackToken string

	ShutdownTimeout time.Duration
}

func (cfg Config) shutdownTimeout() time.Duration {
	if cfg.ShutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return cfg.ShutdownTimeout
}
