// Command create-user provisions a local account: RSA key pair, password
// credential, and profile metadata.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
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
	username := flag.String("username", "", "account name (also the actor handle)")
	name := flag.String("name", "", "display name")
	about := flag.String("about", "", "profile bio")
	password := flag.String("password", "", "account password")
	flag.Parse()

	if *username == "" || *password == "" {
		flag.Usage()
		os.Exit(2)
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatalf("generating key pair: %v", err)
	}

	privPem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	pubDer, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		log.Fatalf("encoding public key: %v", err)
	}
	pubPem := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDer,
	})

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		log.Fatalf("generating salt: %v", err)
	}

	user := types.User{
		Username:           *username,
		ProfileName:        *name,
		About:              *about,
		PasswordHash:       auth.Hash([]byte(*password), salt, auth.Iterations),
		PasswordSalt:       salt,
		PasswordIterations: auth.Iterations,
		PrivateKey:         string(privPem),
		PublicKey:          string(pubPem),
		CreatedAt:          time.Now(),
	}

	if err := openStore().SaveUser(context.Background(), user); err != nil {
		log.Fatalf("saving user: %v", err)
	}
	fmt.Printf("created user %s\n", *username)
}
