package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/asgardops/maestro/pkg/configsvc"
	"github.com/asgardops/maestro/pkg/maeerr"
	"github.com/asgardops/maestro/pkg/naming"
	"github.com/asgardops/maestro/pkg/types"
	"github.com/asgardops/maestro/pkg/userdata"
)

// Steps is the fixed, ordered list the engine runs (spec §4.3).
var Steps = []Step{
	{"start-deployment-preparation", startDeploymentPreparation},
	{"validate-region", validateField(func(d *types.Deployment) string { return d.Region }, "region")},
	{"validate-environment", validateField(func(d *types.Deployment) string { return d.Environment }, "environment")},
	{"validate-application", validateField(func(d *types.Deployment) string { return d.Application }, "application")},
	{"validate-user", validateField(func(d *types.Deployment) string { return d.User }, "user")},
	{"validate-image", validateField(func(d *types.Deployment) string { return imageIDOf(d) }, "image")},
	{"validate-message", validateField(func(d *types.Deployment) string { return d.Message }, "message")},
	{"get-metadata", getMetadata},
	{"ensure-hash", ensureHash},
	{"verify-hash", verifyHash},
	{"get-application-properties", getApplicationProperties},
	{"get-deployment-params", getDeploymentParams},
	{"get-launch-data", getLaunchData},
	{"populate-defaults", populateDefaults},
	{"populate-previous-state", populatePreviousState},
	{"populate-previous-application-properties", populatePreviousApplicationProperties},
	{"get-previous-image-details", getPreviousImageDetails},
	{"create-names", createNames},
	{"get-image-details", getImageDetails},
	{"verify-image", verifyImage},
	{"check-instance-type-compatibility", checkInstanceTypeCompatibility},
	{"check-contact-property", checkContactProperty},
	{"check-configuration", checkConfiguration},
	{"add-required-security-groups", addRequiredSecurityGroups},
	{"map-security-group-ids", mapSecurityGroupIDs},
	{"verify-load-balancers", verifyLoadBalancers},
	{"populate-subnets", populateSubnets},
	{"populate-vpc-zone-identifier", populateVPCZoneIdentifier},
	{"populate-availability-zones", populateAvailabilityZones},
	{"populate-termination-policies", populateTerminationPolicies},
	{"create-block-device-mappings", createBlockDeviceMappings},
	{"create-auto-scaling-group-tags", createAutoScalingGroupTags},
	{"generate-user-data", generateUserData},
	{"complete-deployment-preparation", completeDeploymentPreparation},
}

func imageIDOf(d *types.Deployment) string {
	if d.NewState.ImageDetails == nil {
		return ""
	}
	return d.NewState.ImageDetails.ID
}

func startDeploymentPreparation(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	dep.Phase = types.PhasePreparation
	return success()
}

// validateField builds a step asserting the field named by name is
// non-empty (spec §4.3 step 2).
func validateField(get func(*types.Deployment) string, name string) func(context.Context, *Deps, *types.Deployment) Result {
	return func(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
		if strings.TrimSpace(get(dep)) == "" {
			return failed(maeerr.Newf(maeerr.MissingField, "%s is required", name))
		}
		return success()
	}
}

func getMetadata(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	contact, err := deps.Metadata.GetContact(ctx, dep.Application)
	if err != nil {
		return failed(maeerr.Wrap(maeerr.UpstreamNotFound, "fetching application metadata", err))
	}
	dep.NewState.Onix = contact
	return success()
}

func ensureHash(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	if dep.NewState.Hash != "" {
		return success()
	}
	hash, err := deps.Config.LatestHash(ctx, dep.Environment, dep.Application)
	if err != nil {
		return failed(maeerr.Wrap(maeerr.UpstreamFaultHTTP, "resolving latest configuration hash", err))
	}
	dep.NewState.Hash = hash
	return success()
}

func verifyHash(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	if err := deps.Config.VerifyHash(ctx, dep.Environment, dep.Application, dep.NewState.Hash); err != nil {
		return failed(maeerr.Wrap(maeerr.ConfigurationMissing, "verifying configuration hash", err))
	}
	return success()
}

func getApplicationProperties(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	props, err := deps.Config.ApplicationProperties(ctx, dep.Environment, dep.Application, dep.NewState.Hash)
	if err != nil {
		return failed(maeerr.Wrap(maeerr.ConfigurationMissing, "fetching application properties", err))
	}
	dep.NewState.Tyranitar.ApplicationProperties = props
	return success()
}

func getDeploymentParams(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	params, err := deps.Config.DeploymentParams(ctx, dep.Environment, dep.Application, dep.NewState.Hash)
	if err != nil {
		return failed(maeerr.Wrap(maeerr.ConfigurationMissing, "fetching deployment params", err))
	}
	dep.NewState.Tyranitar.DeploymentParams = params
	return success()
}

func getLaunchData(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	data, err := deps.Config.LaunchData(ctx, dep.Environment, dep.Application, dep.NewState.Hash)
	if err != nil {
		return failed(maeerr.Wrap(maeerr.ConfigurationMissing, "fetching launch data", err))
	}
	dep.NewState.Tyranitar.LaunchData = data
	return success()
}

func populateDefaults(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	params := dep.NewState.Tyranitar.DeploymentParams
	if params == nil {
		params = make(map[string]interface{})
	}
	for k, def := range defaultDeploymentParams {
		if _, ok := params[k]; !ok {
			params[k] = def
		}
	}
	params["selected-load-balancers"] = toSlice(paramStringSlice(params, "selected-load-balancers"))
	dep.NewState.Tyranitar.DeploymentParams = params
	dep.NewState.SelectedLoadBalancers = paramStringSlice(params, "selected-load-balancers")
	dep.NewState.HealthCheckType = paramString(params, "health-check-type", "EC2")
	return success()
}

func toSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func populatePreviousState(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	lastName, err := deps.Provider.GetLastASGName(ctx, dep.Region, dep.Application, dep.Environment)
	if err != nil {
		return failed(maeerr.Wrap(maeerr.UpstreamFaultHTTP, "looking up previous ASG", err))
	}
	if lastName == "" {
		return success() // invariant 3: no predecessor, previous-state stays nil
	}

	userData, imageID, err := deps.Provider.GetLaunchConfigurationUserData(ctx, dep.Region, lastName)
	if err != nil {
		return failed(maeerr.Wrap(maeerr.UpstreamFaultHTTP, "fetching previous launch configuration", err))
	}

	prevHash, _ := userdata.ExtractHashFromBase64(userData)

	dep.PreviousState = &types.ASGState{
		AutoScalingGroupName: lastName,
		Hash:                 prevHash,
		HealthCheckType:      dep.NewState.HealthCheckType,
		SelectedLoadBalancers: dep.NewState.SelectedLoadBalancers,
		ImageDetails:         &types.ImageDetails{ID: imageID},
	}
	return success()
}

func populatePreviousApplicationProperties(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	if dep.PreviousState == nil {
		return success()
	}
	props, err := deps.Config.ApplicationProperties(ctx, dep.Environment, dep.Application, dep.PreviousState.Hash)
	if err != nil {
		// The predecessor's configuration having disappeared does not
		// block a new deployment; this is best-effort context only.
		return success()
	}
	dep.PreviousState.Tyranitar.ApplicationProperties = props
	return success()
}

func getPreviousImageDetails(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	if dep.PreviousState == nil || dep.PreviousState.ImageDetails == nil || dep.PreviousState.ImageDetails.ID == "" {
		return success()
	}
	details, err := deps.Provider.DescribeImage(ctx, dep.Region, dep.PreviousState.ImageDetails.ID)
	if err == nil {
		dep.PreviousState.ImageDetails = details
	}
	return success()
}

func createNames(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	predecessor := ""
	if dep.PreviousState != nil {
		predecessor = dep.PreviousState.AutoScalingGroupName
	}
	asgName := naming.NextASGName(dep.Application, dep.Environment, predecessor)
	dep.NewState.AutoScalingGroupName = asgName
	dep.NewState.LaunchConfigurationName = naming.LaunchConfigurationName(asgName, time.Now())
	return success()
}

func getImageDetails(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	id := imageIDOf(dep)
	details, err := deps.Provider.DescribeImage(ctx, dep.Region, id)
	if err != nil {
		return failed(maeerr.Wrap(maeerr.UpstreamNotFound, "fetching image details", err))
	}
	details.ID = id
	dep.NewState.ImageDetails = details
	return success()
}

var imageNameRE = regexp.MustCompile(`^([a-z0-9]+)-(\d[\w.]*)-(hvm|paravirtual)$`)

func verifyImage(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	details := dep.NewState.ImageDetails
	m := imageNameRE.FindStringSubmatch(details.Name)
	if m == nil {
		return failed(maeerr.Newf(maeerr.MismatchedImage, "image name %q does not match <application>-<version>-<virt-type>", details.Name))
	}
	details.App, details.Version, details.VirtType = m[1], m[2], m[3]
	if details.App != dep.Application {
		return failed(maeerr.Newf(maeerr.MismatchedImage, "image application %q does not match deployment application %q", details.App, dep.Application))
	}
	return success()
}

func checkInstanceTypeCompatibility(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	instanceType := paramString(dep.NewState.Tyranitar.DeploymentParams, "instance-type", "t1.micro")
	virtType := dep.NewState.ImageDetails.VirtType
	if !compatibleWithVirtType(instanceType, virtType) {
		return failed(maeerr.Newf(maeerr.IncompatibleInstanceType, "instance type %s is incompatible with %s images", instanceType, virtType))
	}
	return success()
}

func checkContactProperty(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	if dep.NewState.Onix == nil || dep.NewState.Onix.Contact == "" {
		return failed(maeerr.New(maeerr.MissingContact, "owner metadata has no contact"))
	}
	return success()
}

func checkConfiguration(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	if dep.Environment != "poke" && dep.Environment != "prod" {
		return success()
	}
	ok, err := deps.Policy.CheckConfiguration(ctx, dep.Environment, dep.Application)
	if err != nil {
		if err == configsvc.ErrParseFault {
			return retry("policy-configuration response parse fault", defaultRetryBackoff)
		}
		return failed(maeerr.Wrap(maeerr.ConfigurationMissing, "checking policy configuration", err))
	}
	if !ok {
		return failed(maeerr.New(maeerr.ConfigurationMissing, "policy configuration check did not pass"))
	}
	return success()
}

func addRequiredSecurityGroups(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	params := dep.NewState.Tyranitar.DeploymentParams
	requested := paramStringSlice(params, "selected-security-groups")
	seen := make(map[string]bool, len(requested))
	merged := make([]string, 0, len(requested)+len(requiredSecurityGroups))
	for _, sg := range requested {
		if !seen[sg] {
			seen[sg] = true
			merged = append(merged, sg)
		}
	}
	for _, sg := range requiredSecurityGroups {
		if !seen[sg] {
			seen[sg] = true
			merged = append(merged, sg)
		}
	}
	setParam(params, "selected-security-groups", toSlice(merged))
	return success()
}

func mapSecurityGroupIDs(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	names := paramStringSlice(dep.NewState.Tyranitar.DeploymentParams, "selected-security-groups")
	all, err := deps.Provider.DescribeSecurityGroups(ctx, dep.Region)
	if err != nil {
		return failed(maeerr.Wrap(maeerr.UpstreamFaultHTTP, "describing security groups", err))
	}
	byName := make(map[string]string, len(all))
	for _, sg := range all {
		byName[sg.Name] = sg.ID
	}

	var ids, unresolved []string
	for _, n := range names {
		if strings.HasPrefix(n, "sg-") {
			ids = append(ids, n)
			continue
		}
		if id, ok := byName[n]; ok {
			ids = append(ids, id)
		} else {
			unresolved = append(unresolved, n)
		}
	}
	if len(unresolved) > 0 {
		return failed(maeerr.Newf(maeerr.UnknownSecurityGroups, "unresolved security group names: %s", strings.Join(unresolved, ", ")).WithPayload(unresolved))
	}
	dep.NewState.SelectedSecurityGroupIDs = ids
	return success()
}

func verifyLoadBalancers(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	requested := dep.NewState.SelectedLoadBalancers
	if len(requested) == 0 {
		return success()
	}
	found, err := deps.Provider.DescribeLoadBalancers(ctx, dep.Region, requested)
	if err != nil {
		return failed(maeerr.Wrap(maeerr.UpstreamFaultHTTP, "describing load balancers", err))
	}
	existing := make(map[string]bool, len(found))
	for _, lb := range found {
		existing[lb.Name] = true
	}
	var missing []string
	for _, name := range requested {
		if !existing[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return failed(maeerr.Newf(maeerr.MissingLoadBalancers, "load balancers not found: %s", strings.Join(missing, ", ")).WithPayload(missing))
	}

	if dep.PreviousState != nil {
		var stillExists []string
		for _, name := range dep.PreviousState.SelectedLoadBalancers {
			if existing[name] {
				stillExists = append(stillExists, name)
			}
		}
		dep.PreviousState.SelectedLoadBalancers = stillExists
	}
	return success()
}

func populateSubnets(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	params := dep.NewState.Tyranitar.DeploymentParams
	_, explicitPurpose := params["subnet-purpose"]
	purpose := paramString(params, "subnet-purpose", "internal")
	zones := paramStringSlice(params, "selected-zones")

	all, err := deps.Provider.DescribeSubnets(ctx, dep.Region)
	if err != nil {
		return failed(maeerr.Wrap(maeerr.UpstreamFaultHTTP, "describing subnets", err))
	}

	byZone := make(map[string][]string)
	vpcOf := make(map[string]string, len(all))
	for _, sn := range all {
		vpcOf[sn.ID] = sn.VPCID
		if sn.Purpose != purpose {
			continue
		}
		byZone[sn.Zone] = append(byZone[sn.Zone], sn.ID)
	}

	var ids []string
	if len(zones) == 0 {
		for _, list := range byZone {
			ids = append(ids, list...)
		}
		if len(ids) == 0 {
			return failed(maeerr.Newf(maeerr.NoSubnets, "no subnets of purpose %q in region %s", purpose, dep.Region))
		}
	} else {
		var noMatch []string
		for _, z := range zones {
			list, ok := byZone[z]
			if !ok || len(list) == 0 {
				noMatch = append(noMatch, z)
				continue
			}
			ids = append(ids, list...)
		}
		if len(noMatch) > 0 {
			return failed(maeerr.Newf(maeerr.NoMatchingZones, "no subnets of purpose %q in zones: %s", purpose, strings.Join(noMatch, ", ")))
		}
	}

	dep.NewState.SelectedSubnets = ids
	// A deployment is "inside a VPC" when subnetPurpose was explicitly
	// requested (spec's load-balancer key translation rule); the VPC id
	// itself comes from whichever selected subnet carries one.
	if explicitPurpose {
		for _, id := range ids {
			if vpc := vpcOf[id]; vpc != "" {
				dep.NewState.VPCID = vpc
				break
			}
		}
	}
	return success()
}

func populateVPCZoneIdentifier(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	dep.NewState.VPCZoneIdentifier = strings.Join(dep.NewState.SelectedSubnets, ",")
	return success()
}

func populateAvailabilityZones(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	zones := paramStringSlice(dep.NewState.Tyranitar.DeploymentParams, "selected-zones")
	azs := make([]string, len(zones))
	for i, z := range zones {
		azs[i] = dep.Region + z
	}
	dep.NewState.AvailabilityZones = azs
	return success()
}

func populateTerminationPolicies(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	policy := paramString(dep.NewState.Tyranitar.DeploymentParams, "termination-policy", "Default")
	dep.NewState.TerminationPolicies = []string{policy}
	return success()
}

func createBlockDeviceMappings(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	params := dep.NewState.Tyranitar.DeploymentParams
	var mappings []types.BlockDeviceMapping

	mappings = append(mappings, types.BlockDeviceMapping{
		DeviceName: rootDeviceName(dep.NewState.ImageDetails.VirtType),
		VolumeSize: paramInt(params, "root-volume-size", 8),
		VolumeType: "gp2",
	})

	for i, name := range ephemeralDeviceNames(paramInt(params, "instance-stores", 0)) {
		mappings = append(mappings, types.BlockDeviceMapping{
			DeviceName:  name,
			VirtualName: fmt.Sprintf("ephemeral%d", i),
		})
	}

	dep.NewState.BlockDeviceMappings = mappings
	return success()
}

func rootDeviceName(virtType string) string {
	if virtType == "hvm" {
		return "/dev/xvda"
	}
	return "/dev/sda1"
}

func ephemeralDeviceNames(count int) []string {
	letters := "bcdefghij"
	names := make([]string, 0, count)
	for i := 0; i < count && i < len(letters); i++ {
		names = append(names, fmt.Sprintf("/dev/sd%c", letters[i]))
	}
	return names
}

func createAutoScalingGroupTags(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	asgName := dep.NewState.AutoScalingGroupName
	version := dep.NewState.ImageDetails.Version
	now := time.Now().UTC()

	tag := func(key, value string) types.Tag {
		return types.Tag{
			Key: key, Value: value, PropagateAtLaunch: true,
			ResourceType: "auto-scaling-group", ResourceID: asgName,
		}
	}

	dep.NewState.AutoScalingGroupTags = []types.Tag{
		tag("Application", dep.Application),
		tag("Contact", dep.NewState.Onix.Contact),
		tag("DeployedBy", dep.User),
		tag("DeployedOn", now.Format(time.RFC3339)),
		tag("Environment", dep.Environment),
		tag("Name", dep.Application+"-"+version),
		tag("Version", version),
	}
	return success()
}

func generateUserData(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	rendered := userdata.Render(userdata.Params{
		Application: dep.Application,
		Environment: dep.Environment,
		Hash:        dep.NewState.Hash,
		Image:       dep.NewState.ImageDetails.ID,
		Params:      dep.NewState.Tyranitar.DeploymentParams,
	})
	dep.NewState.UserData = base64.StdEncoding.EncodeToString([]byte(rendered))
	return success()
}

func completeDeploymentPreparation(ctx context.Context, deps *Deps, dep *types.Deployment) Result {
	dep.Phase = types.PhaseDeployment
	return success()
}
