// Command create-token issues a bearer credential for an existing local
// account and prints the one-time plaintext token.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/meanengineer/apserver/auth"
	"github.com/meanengineer/apserver/store"
	"github.com/meanengineer/apserver/types"
)

type config struct {
	Server struct {
		Dsn string `yaml:"dsn"`
	} `yaml:"server"`
}

func openStore() *store.Store {
	configPath := os.Getenv("APSERVER_CONFIG")
	if configPath == "" {
		configPath = "/etc/apserver/config.yaml"
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		log.Fatalf("reading config: %v", err)
	}
	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		log.Fatalf("parsing config: %v", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.Server.Dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("connecting database: %v", err)
	}
	return store.NewStore(db)
}

func main() {
	username := flag.String("username", "", "account the token belongs to")
	title := flag.String("title", "", "human-readable token label")
	flag.Parse()

	if *username == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	s := openStore()

	if _, err := s.LoadUser(ctx, *username); err != nil {
		log.Fatalf("loading user %s: %v", *username, err)
	}

	token, cred, err := auth.Issue()
	if err != nil {
		log.Fatalf("issuing token: %v", err)
	}

	err = s.SaveAuthToken(ctx, types.AuthToken{
		Salt:       cred.Salt,
		Username:   *username,
		Title:      *title,
		Hash:       cred.Hash,
		Iterations: cred.Iterations,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		log.Fatalf("saving token: %v", err)
	}

	fmt.Println(token)
	fmt.Fprintln(os.Stderr, "store this token now; it cannot be shown again")
}
