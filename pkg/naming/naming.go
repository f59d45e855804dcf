// Package naming implements deterministic ASG/launch-configuration naming
// (spec §4.7).
package naming

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// nameRE matches "<application>-<environment>[-vNNN[-<timestamp>]]".
// Application and environment are themselves "[a-z]+" per the request
// validation grammar, so they never contain hyphens.
var nameRE = regexp.MustCompile(`^([a-z]+)-([a-z]+)(?:-v(\d{3})(?:-(\d{14}))?)?$`)

// Details is the parsed form of a predecessor ASG name.
type Details struct {
	Application string
	Environment string
	Version     int // 0 when the name carried no vNNN suffix
	HasVersion  bool
	Timestamp   string
}

// Parse decodes an ASG name of the form "<application>-<environment>",
// "<application>-<environment>-vNNN", or
// "<application>-<environment>-vNNN-<timestamp>". It returns nil for any
// other shape; the caller treats that as "no predecessor" (§4.7).
func Parse(name string) *Details {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	d := &Details{Application: m[1], Environment: m[2], Timestamp: m[4]}
	if m[3] != "" {
		v, err := strconv.Atoi(m[3])
		if err != nil {
			return nil
		}
		d.Version = v
		d.HasVersion = true
	}
	return d
}

// NextASGName computes the successor ASG name for (application,
// environment), given the optional predecessor name. A predecessor with
// no vNNN suffix (or no predecessor at all) yields v001; otherwise the
// version increments, zero-padded to three digits.
func NextASGName(application, environment, predecessorName string) string {
	next := 1
	if predecessorName != "" {
		if d := Parse(predecessorName); d != nil && d.HasVersion {
			next = d.Version + 1
		}
	}
	return fmt.Sprintf("%s-%s-v%03d", application, environment, next)
}

// LaunchConfigurationName derives a launch-configuration name from an ASG
// name and the current instant, in UTC.
func LaunchConfigurationName(asgName string, at time.Time) string {
	return fmt.Sprintf("%s-%s", asgName, at.UTC().Format("20060102150405"))
}
