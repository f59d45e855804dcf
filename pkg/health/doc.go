/*
Package health implements maestro's health waiters (spec component C5): the
two poll loops the task executor blocks on while a deployment's new auto
scaling group proves itself before the predecessor is retired.

There are two waiters, each with its own attempt budget:

  - WaitInstanceHealth polls every instance in the new ASG directly, over
    HTTP, until all of them answer healthy in the same poll cycle.
  - WaitELBHealth polls the named load balancers via the asgard.Provider
    façade until every instance is reported healthy on all of them.

Both are driven by the executor's wait-for-instance-health and
wait-for-elb-health tasks; neither waiter touches the store or the
deployment record directly; failures and timeouts are returned as plain
errors for the executor to record against the task.

# Architecture

	┌──────────────────────────────────────────────────────────────┐
	│                    Task Executor (pkg/executor)               │
	└─────┬──────────────────────────────────────────┬─────────────┘
	      │ wait-for-instance-health                 │ wait-for-elb-health
	      ▼                                           ▼
	┌───────────────────┐                    ┌────────────────────────┐
	│ WaitInstanceHealth │                    │ WaitELBHealth          │
	│ (per-instance poll)│                    │ (per-ASG poll)         │
	└─────────┬──────────┘                    └──────────┬─────────────┘
	          │                                           │
	          ▼                                           ▼
	┌───────────────────┐                    ┌────────────────────────┐
	│ HTTPChecker        │                    │ asgard.Provider        │
	│ http://ip:port/path│                    │ DescribeInstanceHealth │
	└────────────────────┘                    └────────────────────────┘

# Instance health

WaitInstanceHealth is used unconditionally (spec §4.4 step 2): each
instance in the new ASG gets its own HTTPChecker against
"http://<instance-ip>:<port><path>" and its own attempts-left budget
(instance-healthy-attempts). A monitor's budget is consumed only by its
own failed polls — one slow instance does not cost its neighbors
attempts. Every instance is polled on every cycle, including one that
answered healthy before, and a failed poll after an earlier success
still costs an attempt. The waiter returns nil once all instances
answer healthy in the same cycle; it returns an error the moment any
single monitor exhausts its budget, even if the rest are healthy.

	Poll cycle (every 5s):
	for each instance:
	    GET http://<ip>:<port><path>
	    200       → healthy this cycle, continue
	    otherwise → attempts_left--
	                attempts_left == 0 → fail the wait
	every instance healthy this cycle → done

# ELB health

WaitELBHealth only runs when the new state's health-check-type is ELB and
selected-load-balancers is non-empty (spec §4.4 step 4); the executor
short-circuits to a no-op completion otherwise. While active, it polls
the named load balancers in turn each cycle through
asgard.Provider.DescribeInstanceHealth, moving on to the next cycle at
the first one that does not show every instance healthy, and requires
every instance ID in the new ASG to show healthy on every one of them
before it is satisfied.
Budget is load-balancer-healthy-attempts, shared across the whole ASG
rather than per instance, since ELB membership health is reported
alongside the rest of the balancer's registrants in a single call.

# Checkers

HTTPChecker (http.go) is the one concrete Checker this package ships; it
is deliberately generic — URL, method, headers, and accepted status
range are all configurable — so WaitInstanceHealth can build one per
instance without any ASG-specific logic leaking into the checker itself.
Config and Status (health.go) track the interval/timeout/retry/grace
knobs and the consecutive pass/fail counters a Checker-based poll loop
needs; the waiters in this package use their own budget counters instead
of Status, since a deployment wait has a hard attempt ceiling rather than
an ongoing monitored state.

# Usage

	instances, _ := provider.ListASGInstances(ctx, region, asgName)
	if err := health.WaitInstanceHealth(ctx, instances, 7001, "/healthcheck", 30); err != nil {
	    return fmt.Errorf("instances never became healthy: %w", err)
	}

	err := health.WaitELBHealth(ctx, provider, region, asgName,
	    []string{"search-frontend"}, instanceIDs, 30)

# Non-goals

This package does not decide whether a wait should run at all — that
belongs to the executor, which reads health-check-type and
selected-load-balancers off the deployment's new state before calling
WaitELBHealth. It also does not retry or back off on transient
DescribeInstanceHealth errors; a façade error propagates immediately and
fails the task, consistent with every other executor task's treatment of
façade errors.
*/
package health
