package main

import (
	"context"

	_ "github.com/jimmicro/version"
	"github.com/rs/zerolog/log"

	"github.com/jimyag/domaind/internal/domaind"
	"github.com/jimyag/domaind/internal/domaind/config"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create config")
	}
	server, err := domaind.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}
	if err := server.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to run server")
	}
}
