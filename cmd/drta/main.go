package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/josephsvk/DRTA/cmd/drta/cmds"
	log "github.com/sirupsen/logrus"
)

func main() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Debug("The .env file not found.")
	}

	if err := cmds.Execute(); err != nil {
		os.Exit(1)
	}
}
