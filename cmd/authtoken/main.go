package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"topacc.org/internal/auth"
)

// Ops tool: mints a bearer token for the API. Requires TOPACC_AUTH_SECRET.
func main() {
	log.SetFlags(0)
	var (
		subject = flag.String("subject", "", "token subject (account or service identity)")
		roles   = flag.String("roles", auth.RoleUser, "comma-separated roles (user,provider,keeper,admin)")
		ttl     = flag.Duration("ttl", time.Hour, "token lifetime")
	)
	flag.Parse()

	if *subject == "" {
		log.Fatal("usage: authtoken -subject <id> [-roles user,keeper] [-ttl 1h]")
	}

	token, err := auth.GenerateToken(*subject, strings.Split(*roles, ","), *ttl)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Println(token)
}
