// Command mktoken prints a bearer token for local testing. The alumni portal
// issues real tokens.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/npezzotti/alumni-forum/internal/auth"
	"github.com/npezzotti/alumni-forum/internal/config"
	"github.com/npezzotti/alumni-forum/internal/types"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()

	settings, err := config.LoadSettings(".env")
	if err != nil {
		logger.Fatalf("settings: %v", err)
	}
	var (
		userId string
		name   string
		exp    time.Duration
	)
	flag.StringVar(&userId, "user", "", "user id (required)")
	flag.StringVar(&name, "name", "", "display name shown as the message sender")
	flag.StringVar(&settings.SigningKey, "signing-key", settings.SigningKey, "base64 encoded signing key")
	flag.DurationVar(&exp, "exp", 24*time.Hour, "token lifetime")
	flag.Parse()

	if userId == "" {
		flag.Usage()
		os.Exit(2)
	}
	if settings.SigningKey == "" {
		logger.Warn("no signing key configured, using the development key accepted by -store=memory servers")
		settings.SigningKey = config.DevSigningKey
	}

	// only the key matters here
	settings.Store = "memory"
	cfg, err := config.NewConfig(settings)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	token, err := auth.NewJwtAuthenticator(cfg.SigningKey).Issue(types.Identity{UserId: userId, Name: name}, exp)
	if err != nil {
		logger.Fatalf("issue token: %v", err)
	}

	fmt.Println(token)
}
