// Package pipeline implements the parameter pipeline (C3): the ordered
// chain of validator/enricher steps that turns a minimal deployment
// request into a fully-resolved record ready for the task executor
// (spec §4.3).
package pipeline

import (
	"context"
	"time"

	"github.com/asgardops/maestro/pkg/asgard"
	"github.com/asgardops/maestro/pkg/configsvc"
	"github.com/asgardops/maestro/pkg/log"
	"github.com/asgardops/maestro/pkg/maeerr"
	"github.com/asgardops/maestro/pkg/metadata"
	"github.com/asgardops/maestro/pkg/metrics"
	"github.com/asgardops/maestro/pkg/store"
	"github.com/asgardops/maestro/pkg/types"
)

// Outcome is the verdict a Step returns.
type Outcome int

const (
	Success Outcome = iota
	Failed
	Retry
)

// Result is what a Step hands back to the engine.
type Result struct {
	Outcome    Outcome
	Err        error // set when Outcome == Failed or Retry
	RetryAfter time.Duration
}

func success() Result { return Result{Outcome: Success} }

func failed(err error) Result { return Result{Outcome: Failed, Err: err} }

func retry(reason string, after time.Duration) Result {
	return Result{Outcome: Retry, Err: maeerr.New(maeerr.ConfigurationUnexpectedResp, reason), RetryAfter: after}
}

// Step is a named, pure-ish function of the current deployment record.
// Implementations mutate dep in place and return a verdict; the engine
// persists the record after each successful step and on a Failed
// verdict, but not on a Retry verdict or when the retry budget runs out.
type Step struct {
	Name string
	Run  func(ctx context.Context, deps *Deps, dep *types.Deployment) Result
}

// Deps bundles the external collaborators steps call out to. All are
// out-of-scope façades, specified only through their interfaces.
type Deps struct {
	Store     store.Store
	Metadata  metadata.Service
	Config    configsvc.ConfigService
	Policy    configsvc.PolicyService
	Provider  asgard.Provider
}

const maxRetriesPerStep = 5
const defaultRetryBackoff = 2 * time.Second

// Pipeline runs Steps in order against a deployment record.
type Pipeline struct {
	Steps []Step
}

// New builds the pipeline with the fixed, ordered step list (spec §4.3).
func New() *Pipeline {
	return &Pipeline{Steps: Steps}
}

// Run executes every step in order, persisting dep after each one.
// It stops at the first Failed verdict (terminating the deployment with
// phase=failed, cause persisted) or after the last step succeeds.
func (p *Pipeline) Run(ctx context.Context, deps *Deps, dep *types.Deployment) error {
	logger := log.WithDeployment(dep.ID)

	for _, step := range p.Steps {
		retries := 0
		for {
			timer := metrics.NewTimer()
			result := step.Run(ctx, deps, dep)
			timer.ObserveDurationVec(metrics.PipelineStepDuration, step.Name)

			switch result.Outcome {
			case Success:
				if err := deps.Store.StoreDeployment(dep); err != nil {
					return maeerr.Wrap(maeerr.UpstreamFaultStore, "persisting after step "+step.Name, err)
				}

			case Retry:
				retries++
				if retries > maxRetriesPerStep {
					return maeerr.Newf(maeerr.ConfigurationUnexpectedResp, "step %s exceeded retry budget: %v", step.Name, result.Err)
				}
				logger.Warn().Str("step", step.Name).Int("attempt", retries).Msg("step requested retry")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(result.RetryAfter):
				}
				continue

			case Failed:
				dep.Phase = types.PhaseFailed
				dep.Status = types.StatusFailed
				dep.End = time.Now().UTC()
				if kind, ok := maeerr.KindOf(result.Err); ok {
					dep.Cause = string(kind) + ": " + result.Err.Error()
				} else {
					dep.Cause = result.Err.Error()
				}
				_ = deps.Store.StoreDeployment(dep)
				logger.Error().Str("step", step.Name).Err(result.Err).Msg("pipeline step failed, terminating preparation")
				return result.Err
			}

			break
		}
	}

	return nil
}
