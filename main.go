// main.go - In-process walkthrough of the entropy-augmented arithmetic engine.
//
// The scenario:
//   - a user encrypts 5 and 3 against the coprocessor network key and initializes the engine
//   - the engine computes 5+3, 5-3 and 5*3 on the confidential operands
//   - an entropy request with a short payment is refused, a full payment is accepted
//   - the entropy operation is refused until the oracle fulfils the request
//   - the fulfilled request is consumed exactly once
//
// Usage:
//
//	go run .
package main

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog"

	"entropycalc/internal/engine"
	"entropycalc/internal/fhe"
	"entropycalc/internal/oracle"
	"entropycalc/internal/telemetry"
)

const (
	user      fhe.Principal = "alice"
	self      fhe.Principal = "engine-demo"
	oracleFee oracle.Amount = 10
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := runScenario(context.Background(), log); err != nil {
		log.Fatal().Err(err).Msg("scenario failed")
	}
}

// scenario holds the components of one in-process deployment.
type scenario struct {
	cop     *fhe.Coprocessor
	oracle  *oracle.Oracle
	engine  *engine.Engine
	journal *engine.Journal
	metrics *telemetry.MetricsCollector
}

func newScenario(log zerolog.Logger) (*scenario, error) {
	cop, err := fhe.NewCoprocessor(fhe.Config{Logger: log})
	if err != nil {
		return nil, err
	}
	orc, err := oracle.New(oracle.Config{Address: "oracle-demo", Fee: oracleFee, Source: cop, Logger: log})
	if err != nil {
		return nil, err
	}
	s := &scenario{cop: cop, oracle: orc, journal: engine.NewJournal(), metrics: telemetry.NewMetricsCollector()}
	s.engine, err = engine.New(engine.Config{
		Self:     self,
		Runtime:  cop,
		Provider: orc,
		Events:   s.journal,
		Logger:   log,
		Metrics:  s.metrics,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// initialize encrypts a and b as user and loads them into the engine.
func (s *scenario) initialize(ctx context.Context, a, b uint64) error {
	in1, proof1, err := s.cop.Prover().Encrypt(a, self, user)
	if err != nil {
		return err
	}
	in2, proof2, err := s.cop.Prover().Encrypt(b, self, user)
	if err != nil {
		return err
	}
	return s.engine.Initialize(ctx, user, in1, proof1, in2, proof2)
}

// reveal decrypts a result the engine holds a grant on.
func (s *scenario) reveal(ctx context.Context, c fhe.Ciphertext) (uint64, error) {
	return s.cop.Reveal(ctx, self, c.Handle())
}

func runScenario(ctx context.Context, log zerolog.Logger) error {
	log.Info().Msg("=== Entropy engine scenario ===")

	s, err := newScenario(log)
	if err != nil {
		return err
	}

	// 1. Initialization
	if err := s.initialize(ctx, 5, 3); err != nil {
		return err
	}
	if err := s.initialize(ctx, 7, 7); !errors.Is(err, engine.ErrAlreadyInitialized) {
		return errors.New("second initialization was not refused")
	}
	log.Info().Msg("operands initialized, second initialization refused")

	// 2. Plain arithmetic
	plain := []struct {
		name string
		op   func(context.Context) (fhe.Ciphertext, error)
	}{
		{"add", s.engine.Add},
		{"subtract", s.engine.Subtract},
		{"multiply", s.engine.Multiply},
	}
	for _, p := range plain {
		res, err := p.op(ctx)
		if err != nil {
			return err
		}
		v, err := s.reveal(ctx, res)
		if err != nil {
			return err
		}
		log.Info().Str("op", p.name).Str("handle", res.String()).Uint64("value", v).Msg("computed")
	}

	// 3. Entropy request
	if _, err := s.engine.RequestEntropy(ctx, user, "demo", oracleFee-5); errors.Is(err, engine.ErrInsufficientFee) {
		log.Info().Err(err).Msg("short payment refused")
	} else {
		return errors.New("short payment was not refused")
	}
	id, err := s.engine.RequestEntropy(ctx, user, "demo", oracleFee)
	if err != nil {
		return err
	}
	log.Info().Str("request", string(id)).Msg("entropy requested")

	// 4. Not ready until fulfilled
	if _, err := s.engine.AddWithEntropy(ctx, id); !errors.Is(err, engine.ErrEntropyNotReady) {
		return errors.New("unfulfilled request was usable")
	}
	log.Info().Msg("entropy not ready yet")
	if err := s.oracle.Fulfill(ctx, id); err != nil {
		return err
	}

	// 5. Consume once
	mixed, err := s.engine.AddWithEntropy(ctx, id)
	if err != nil {
		return err
	}
	v, err := s.reveal(ctx, mixed)
	if err != nil {
		return err
	}
	log.Info().Str("handle", mixed.String()).Uint64("value", v).Uint64("xor_mask", v^8).Msg("add with entropy")

	if _, err := s.engine.MultiplyWithEntropy(ctx, id); errors.Is(err, engine.ErrUnknownOrConsumedRequest) {
		log.Info().Err(err).Msg("request cannot be reused")
	} else {
		return errors.New("consumed request was reused")
	}

	// 6. Journal
	for _, ev := range s.journal.Events(0) {
		log.Info().Uint64("seq", ev.Seq).Str("kind", string(ev.Kind)).Msg("event")
	}
	summary := s.metrics.GetMetricsSummary()
	log.Info().Int("series", len(summary.Counters)).Msg("=== Scenario complete ===")
	return nil
}
