package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shiftproof/engine/pkg/auth"
)

// runTokenCmd mints a development bearer token signed with JWT_SECRET.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject string
		roles   string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "subject", "", "Token subject: worker or operator id (REQUIRED)")
	cmd.StringVar(&roles, "roles", "", "Comma-separated roles (e.g. admin)")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" {
		fmt.Fprintln(stderr, "Error: --subject is required")
		cmd.Usage()
		return 2
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-jwt-secret"
		fmt.Fprintln(stderr, "Warning: JWT_SECRET not set, signing with the lite-mode default")
	}

	var roleList []string
	if roles != "" {
		roleList = strings.Split(roles, ",")
	}

	token, err := auth.NewJWTValidator([]byte(secret)).Sign(subject, roleList, ttl)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, token)
	return 0
}
