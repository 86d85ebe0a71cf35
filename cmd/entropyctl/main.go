// main.go - Client tool for the entropy engine daemon.
//
// entropyctl fetches the runtime keys an entropyd instance publishes, seals two operands for its
// engine and submits them as the initial operands.
//
// Usage:
//
//	entropyctl -url http://localhost:8080 -user alice -a 5 -b 3
//	entropyctl -url http://localhost:8080 -user alice -a 5 -b 3 -out init.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"entropycalc/internal/api"
	"entropycalc/internal/fhe"
)

func main() {
	url := flag.String("url", "http://localhost:8080", "entropyd base URL")
	user := flag.String("user", "", "principal the operands are sealed for")
	a := flag.Uint64("a", 0, "first operand")
	b := flag.Uint64("b", 0, "second operand")
	out := flag.String("out", "", "write the sealed request to this file instead of submitting it")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if *user == "" {
		log.Fatal().Msg("-user is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	hc := &http.Client{}

	prover, engine, err := api.FetchProver(ctx, hc, *url)
	if err != nil {
		log.Fatal().Err(err).Str("url", *url).Msg("fetch runtime keys")
	}
	log.Info().Str("engine", string(engine)).Hex("network_key", fhe.EncodeNetworkKey(prover.NetworkKey())).Msg("runtime keys fetched")

	req, err := api.SealInitialize(prover, engine, fhe.Principal(*user), *a, *b)
	if err != nil {
		log.Fatal().Err(err).Msg("seal operands")
	}

	if *out != "" {
		raw, err := json.MarshalIndent(req, "", "  ")
		if err != nil {
			log.Fatal().Err(err).Msg("encode request")
		}
		if err := os.WriteFile(*out, raw, 0o644); err != nil {
			log.Fatal().Err(err).Msg("write request")
		}
		log.Info().Str("path", *out).Msg("sealed request written")
		return
	}

	if err := api.Initialize(ctx, hc, *url, fhe.Principal(*user), req); err != nil {
		log.Fatal().Err(err).Msg("initialize")
	}
	log.Info().Str("engine", string(engine)).Str("user", *user).Msg("engine initialized")
}
