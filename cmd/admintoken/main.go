// Command admintoken prints a bearer token for the gateway's /_offline endpoints,
// signed with ADMIN_JWT_SECRET from the environment or .env.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	config "github.com/avatarctic/offline-shell-gateway/configs"
	"github.com/avatarctic/offline-shell-gateway/internal/application/services"
	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/auth"
	"github.com/sirupsen/logrus"
)

func main() {
	subject := flag.String("sub", "operator", "token subject")
	scopes := flag.String("scope", auth.ScopeAdmin, "space separated scopes")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to ADMIN_JWT_TTL)")
	asJSON := flag.Bool("json", false, "print the token response as JSON")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	if *ttl > 0 {
		cfg.JWT.TokenTTL = *ttl
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	token, err := services.NewAuthService(&cfg.JWT, logger).GenerateToken(*subject, strings.Fields(*scopes)...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to issue token:", err)
		os.Exit(1)
	}

	if *asJSON {
		_ = json.NewEncoder(os.Stdout).Encode(token)
		return
	}
	fmt.Println(token.AccessToken)
}
