// Command smoke drives the full pairing handshake against a running API:
// it registers two throwaway accounts, issues a key as the first, redeems it
// as the second, and verifies both sides report paired status.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/ItsYash1421/CloseUs-sub000/internal/client"
	"github.com/ItsYash1421/CloseUs-sub000/internal/models"
)

func main() {
	var (
		baseURL  string
		prefix   string
		password string
		timeout  time.Duration
	)
	flag.StringVar(&baseURL, "base", "http://localhost:8080", "API base URL")
	flag.StringVar(&prefix, "prefix", "/api/v1", "API route prefix")
	flag.StringVar(&password, "password", "smoke-pass-123", "password for throwaway accounts")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	suffix := time.Now().UnixNano()
	partner1 := newSession(baseURL+prefix, fmt.Sprintf("smoke1+%d@example.com", suffix), password)
	partner2 := newSession(baseURL+prefix, fmt.Sprintf("smoke2+%d@example.com", suffix), password)

	if err := register(ctx, partner1, "Smoke One"); err != nil {
		log.Fatalf("register partner1: %v", err)
	}
	if err := register(ctx, partner2, "Smoke Two"); err != nil {
		log.Fatalf("register partner2: %v", err)
	}

	keyRes, err := partner1.api.CreatePairingKey(ctx)
	if err != nil {
		log.Fatalf("create pairing key: %v", err)
	}
	log.Printf("pairing key issued: %s (expires %s)", keyRes.PairingKey, keyRes.PairingKeyExpires.Format(time.RFC3339))

	redeemRes, err := partner2.api.RedeemPairingKey(ctx, keyRes.PairingKey)
	if err != nil {
		log.Fatalf("redeem pairing key: %v", err)
	}
	log.Printf("paired: %s", redeemRes.CoupleTag)

	for name, s := range map[string]*session{"partner1": partner1, "partner2": partner2} {
		status, err := s.api.PairingStatus(ctx)
		if err != nil {
			log.Fatalf("pairing status for %s: %v", name, err)
		}
		if !status.IsPaired {
			log.Fatalf("%s reports unpaired after redemption", name)
		}
	}

	log.Print("smoke test passed")
}

type session struct {
	api      *client.Client
	email    string
	password string
}

func newSession(baseURL, email, password string) *session {
	return &session{
		api:      client.New(client.Config{BaseURL: baseURL}, client.NewMemoryTokenStore(), nil),
		email:    email,
		password: password,
	}
}

func register(ctx context.Context, s *session, displayName string) error {
	if _, err := s.api.Register(ctx, models.RegisterRequest{
		Email:       s.email,
		Password:    s.password,
		DisplayName: displayName,
	}); err != nil {
		return err
	}
	_, err := s.api.Login(ctx, s.email, s.password)
	return err
}
