package pipeline

// defaultDeploymentParams is the overlay table applied by populate-defaults
// (spec §4.3 step 7). Every key here is guaranteed present in
// new-state.tyranitar.deployment-params after that step runs.
var defaultDeploymentParams = map[string]interface{}{
	"default-cooldown":                   10,
	"desired-capacity":                   1,
	"health-check-grace-period":          600,
	"health-check-type":                  "EC2",
	"instance-healthy-attempts":          50,
	"instance-type":                      "t1.micro",
	"load-balancer-healthy-attempts":     50,
	"max":                                1,
	"min":                                1,
	"pause-after-instances-healthy":      false,
	"pause-after-load-balancers-healthy": false,
	"selected-zones":                     []interface{}{"a", "b"},
	"subnet-purpose":                     "internal",
	"termination-policy":                 "Default",
}

// requiredSecurityGroups is the provider-fixed set always appended to
// user-specified security groups (spec §4.3 step 15).
var requiredSecurityGroups = []string{"healthcheck", "nrpe"}

// paravirtualOnlyInstanceTypes and hvmOnlyInstanceTypes are the
// instance-type families incompatible with the other virtualization
// type (spec §4.3 step 12's "policy table maintained alongside the
// check"). Family prefixes not listed are assumed compatible with
// either virtualization type.
var paravirtualOnlyInstanceTypes = map[string]bool{
	"t1": true,
	"m1": true,
	"c1": true,
	"m2": true,
}

var hvmOnlyInstanceTypes = map[string]bool{
	"t2": true, "t3": true,
	"m4": true, "m5": true,
	"c4": true, "c5": true,
	"r4": true, "r5": true,
}

func instanceFamily(instanceType string) string {
	for i, r := range instanceType {
		if r == '.' {
			return instanceType[:i]
		}
	}
	return instanceType
}

// compatibleWithVirtType reports whether instanceType may be used with
// the given virtualization type ("paravirtual" or "hvm").
func compatibleWithVirtType(instanceType, virtType string) bool {
	family := instanceFamily(instanceType)
	switch virtType {
	case "paravirtual":
		return !hvmOnlyInstanceTypes[family]
	case "hvm":
		return !paravirtualOnlyInstanceTypes[family]
	default:
		return true
	}
}
