package optimizer

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/samber/lo"

	"qsim/internal/strategy/sdk"
)

// stagnationLimit is the number of generations without improvement that
// ends a genetic search
const stagnationLimit = 10

// GeneticConfig configures genetic search
type GeneticConfig struct {
	PopulationSize       int     `yaml:"population_size" json:"population_size"`
	EliteSize            int     `yaml:"elite_size" json:"elite_size"`
	MutationRate         float64 `yaml:"mutation_rate" json:"mutation_rate"`
	CrossoverRate        float64 `yaml:"crossover_rate" json:"crossover_rate"`
	MaxGenerations       int     `yaml:"max_generations" json:"max_generations"`
	ConvergenceThreshold float64 `yaml:"convergence_threshold" json:"convergence_threshold"`
	TournamentSize       int     `yaml:"tournament_size" json:"tournament_size"`
	Seed                 int64   `yaml:"seed" json:"seed"`
}

// DefaultGeneticConfig returns the default genetic configuration
func DefaultGeneticConfig() GeneticConfig {
	return GeneticConfig{
		PopulationSize:       50,
		EliteSize:            5,
		MutationRate:         0.1,
		CrossoverRate:        0.7,
		MaxGenerations:       100,
		ConvergenceThreshold: 1e-4,
		TournamentSize:       3,
		Seed:                 42,
	}
}

// Validate checks the genetic configuration
func (c GeneticConfig) Validate() error {
	switch {
	case c.PopulationSize < 1:
		return fmt.Errorf("population_size must be at least 1, got %d", c.PopulationSize)
	case c.EliteSize < 0 || c.EliteSize > c.PopulationSize:
		return fmt.Errorf("elite_size must be in [0, %d], got %d", c.PopulationSize, c.EliteSize)
	case c.MutationRate < 0 || c.MutationRate > 1:
		return fmt.Errorf("mutation_rate must be in [0, 1], got %g", c.MutationRate)
	case c.CrossoverRate < 0 || c.CrossoverRate > 1:
		return fmt.Errorf("crossover_rate must be in [0, 1], got %g", c.CrossoverRate)
	case c.MaxGenerations < 1:
		return fmt.Errorf("max_generations must be at least 1, got %d", c.MaxGenerations)
	case c.ConvergenceThreshold < 0:
		return fmt.Errorf("convergence_threshold must not be negative, got %g", c.ConvergenceThreshold)
	case c.TournamentSize < 1:
		return fmt.Errorf("tournament_size must be at least 1, got %d", c.TournamentSize)
	}
	return nil
}

// individual is a scored member of a population
type individual struct {
	params  sdk.Parameters
	fitness float64
}

// genetic evolves a population. Elites are carried over unchanged and never
// re-simulated; the remaining slots are bred by tournament selection,
// uniform crossover and bounded mutation.
func (s *Searcher) genetic(ctx context.Context, ev *evaluator, space ParameterSpace, cfg GeneticConfig) ([]OptimizationResult, []GenerationSummary, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	ev.total = cfg.PopulationSize * cfg.MaxGenerations

	var all []OptimizationResult
	var history []GenerationSummary

	genes := lo.Times(cfg.PopulationSize, func(int) sdk.Parameters { return space.Sample(rng) })
	bestSoFar := WorstFitness
	stagnant := 0

	for gen := 0; gen < cfg.MaxGenerations; gen++ {
		ev.setGeneration(gen)
		scored, fresh, err := ev.evaluate(ctx, genes)
		all = append(all, scored...)
		if err != nil {
			return all, history, err
		}

		population := lo.Map(scored, func(r OptimizationResult, _ int) individual {
			return individual{params: r.Parameters, fitness: r.Fitness}
		})
		sort.SliceStable(population, func(i, j int) bool {
			return population[i].fitness > population[j].fitness
		})

		summary := summarizeGeneration(gen, population, fresh)
		history = append(history, summary)
		s.logger.Debug("generation evaluated",
			"run_id", ev.runID,
			"generation", gen,
			"best_fitness", summary.BestFitness,
			"new_evaluations", fresh)

		if summary.BestFitness-bestSoFar > cfg.ConvergenceThreshold {
			bestSoFar = summary.BestFitness
			stagnant = 0
		} else {
			stagnant++
			if stagnant >= stagnationLimit {
				break
			}
		}
		if gen == cfg.MaxGenerations-1 {
			break
		}
		genes = breed(rng, population, space, cfg)
	}
	return all, history, nil
}

func summarizeGeneration(gen int, population []individual, fresh int) GenerationSummary {
	summary := GenerationSummary{
		Generation:     gen,
		BestFitness:    WorstFitness,
		NewEvaluations: fresh,
		Population:     lo.Map(population, func(ind individual, _ int) sdk.Parameters { return ind.params }),
	}
	valid := lo.Filter(population, func(ind individual, _ int) bool { return ind.fitness > WorstFitness })
	if len(valid) > 0 {
		summary.BestFitness = valid[0].fitness
		summary.MeanFitness = lo.MeanBy(valid, func(ind individual) float64 { return ind.fitness })
	}
	return summary
}

// breed builds the next generation from a population sorted by fitness
func breed(rng *rand.Rand, population []individual, space ParameterSpace, cfg GeneticConfig) []sdk.Parameters {
	next := make([]sdk.Parameters, 0, cfg.PopulationSize)
	for i := 0; i < cfg.EliteSize && i < len(population); i++ {
		next = append(next, population[i].params.Clone())
	}
	for len(next) < cfg.PopulationSize {
		a := tournament(rng, population, cfg.TournamentSize)
		b := tournament(rng, population, cfg.TournamentSize)
		child := crossover(rng, a.params, b.params, space, cfg.CrossoverRate)
		mutate(rng, child, space, cfg.MutationRate)
		next = append(next, child)
	}
	return next
}

// tournament picks the fittest of size random individuals
func tournament(rng *rand.Rand, population []individual, size int) individual {
	best := population[rng.Intn(len(population))]
	for i := 1; i < size; i++ {
		c := population[rng.Intn(len(population))]
		if c.fitness > best.fitness {
			best = c
		}
	}
	return best
}

// crossover takes each gene from b with probability rate, otherwise from a
func crossover(rng *rand.Rand, a, b sdk.Parameters, space ParameterSpace, rate float64) sdk.Parameters {
	child := make(sdk.Parameters, len(space))
	for _, r := range space {
		if rng.Float64() < rate {
			child[r.Name] = b[r.Name]
		} else {
			child[r.Name] = a[r.Name]
		}
	}
	return child
}

// mutate perturbs each gene with probability rate by a normal step whose
// magnitude is capped at 10% of the parameter span
func mutate(rng *rand.Rand, p sdk.Parameters, space ParameterSpace, rate float64) {
	for _, r := range space {
		if rng.Float64() >= rate {
			continue
		}
		step := lo.Clamp(rng.NormFloat64()/3, -1, 1) * 0.1 * r.Span()
		p[r.Name] = r.Clamp(p[r.Name] + step)
	}
}
