package fabula

import (
	"os"
	"strings"
)

// Credentials are the resolved access values handed to the bedrock conduit.
// The capability probe treats missing credentials as an unavailable runtime,
// not a hard error.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// resolveCredentials takes config values first and falls back to the
// standard environment variables. Config strings already went through env
// expansion, so `${AWS_ACCESS_KEY_ID}` placeholders resolve before this runs.
func resolveCredentials(cfg CredentialsConfig) Credentials {
	creds := Credentials{
		AccessKeyID:     strings.TrimSpace(cfg.AccessKeyID),
		SecretAccessKey: strings.TrimSpace(cfg.SecretAccessKey),
		SessionToken:    strings.TrimSpace(cfg.SessionToken),
	}
	if creds.AccessKeyID == "" {
		creds.AccessKeyID = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	}
	if creds.SecretAccessKey == "" {
		creds.SecretAccessKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))
	}
	if creds.SessionToken == "" {
		creds.SessionToken = strings.TrimSpace(os.Getenv("AWS_SESSION_TOKEN"))
	}
	return creds
}
