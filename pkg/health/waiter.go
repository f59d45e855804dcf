package health

import (
	"context"
	"fmt"
	"time"

	"github.com/asgardops/maestro/pkg/asgard"
	"github.com/asgardops/maestro/pkg/log"
)

const waitPollInterval = 5 * time.Second

// instanceMonitor tracks how much of one instance's failure budget is
// left (a success does not restore it), mirroring the per-container monitor map the worker
// package uses for container health checks.
type instanceMonitor struct {
	checker        *HTTPChecker
	attemptsLeft   int
	everHealthy    bool
}

// WaitInstanceHealth polls every instance in instances on
// "http://<ip>:<port><path>" until all of them respond 200 in the same
// poll cycle, or one instance exhausts its budget (spec §4.4 step 2,
// §4.5). Each instance has its own attempt budget, consumed only by its
// own failed polls; every instance is polled on every cycle, and a 200
// does not restore attempts already spent.
func WaitInstanceHealth(ctx context.Context, instances []asgard.Instance, port int, path string, budget int) error {
	logger := log.WithComponent("health-waiter")
	if len(instances) == 0 {
		return nil
	}

	monitors := make(map[string]*instanceMonitor, len(instances))
	for _, inst := range instances {
		url := fmt.Sprintf("http://%s:%d%s", inst.IPAddress, port, path)
		monitors[inst.ID] = &instanceMonitor{checker: NewHTTPChecker(url).WithStatusRange(200, 200), attemptsLeft: budget}
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		allHealthy := true
		for id, mon := range monitors {
			result := mon.checker.Check(ctx)
			if result.Healthy {
				mon.everHealthy = true
				continue
			}
			allHealthy = false
			mon.attemptsLeft--
			logger.Debug().Str("instance", id).Int("attempts_left", mon.attemptsLeft).Msg("instance not yet healthy")
			if mon.attemptsLeft <= 0 {
				return fmt.Errorf("health: instance %s did not become healthy within budget", id)
			}
		}
		if allHealthy {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitELBHealth polls loadBalancers via provider until every instance of
// asgName is reported healthy on all of them, or budget cycles are
// exhausted (spec §4.4 step 4). Callers are responsible for the no-op
// short-circuit when selected-load-balancers is empty or
// health-check-type != ELB.
func WaitELBHealth(ctx context.Context, provider asgard.Provider, region, asgName string, loadBalancers []string, instanceIDs []string, budget int) error {
	logger := log.WithComponent("health-waiter")
	if len(loadBalancers) == 0 {
		return nil
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	remaining := budget
	for {
		healthy, err := allInstancesHealthyOnAllLBs(ctx, provider, region, loadBalancers, instanceIDs)
		if err != nil {
			return err
		}
		if healthy {
			return nil
		}

		remaining--
		logger.Debug().Str("asg", asgName).Int("attempts_left", remaining).Msg("elb membership not yet healthy")
		if remaining <= 0 {
			return fmt.Errorf("health: %s did not become healthy on all load balancers within budget", asgName)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func allInstancesHealthyOnAllLBs(ctx context.Context, provider asgard.Provider, region string, loadBalancers, instanceIDs []string) (bool, error) {
	want := make(map[string]bool, len(instanceIDs))
	for _, id := range instanceIDs {
		want[id] = false
	}

	for _, lb := range loadBalancers {
		states, err := provider.DescribeInstanceHealth(ctx, region, lb)
		if err != nil {
			return false, fmt.Errorf("health: describing instance health on %s: %w", lb, err)
		}
		seen := make(map[string]bool, len(states))
		for _, s := range states {
			seen[s.InstanceID] = s.Healthy
		}
		for id := range want {
			if !seen[id] {
				return false, nil
			}
		}
	}
	return true, nil
}
