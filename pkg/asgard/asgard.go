// Package asgard defines the contract the engine uses to talk to the
// cloud provider façade (out of scope, specified only through this
// interface): enumerating security groups, subnets, images, and load
// balancers, and invoking ASG create/resize/enable/disable/delete on the
// remote deployment system. Every state-changing call returns a
// RemoteTask handle that pkg/tracker polls to terminal status.
package asgard

import (
	"context"

	"github.com/asgardops/maestro/pkg/types"
)

// SecurityGroup is a named, id-addressable security group.
type SecurityGroup struct {
	ID   string
	Name string
}

// Subnet belongs to a purpose (e.g. "internal") and an availability zone.
type Subnet struct {
	ID      string
	Purpose string
	Zone    string
	VPCID   string
}

// LoadBalancer is an ELB-style load balancer descriptor.
type LoadBalancer struct {
	Name  string
	VPCID string
}

// InstanceHealth is one instance's reported health against a load balancer.
type InstanceHealth struct {
	InstanceID string
	Healthy    bool
}

// Instance is a running EC2-style instance belonging to an ASG.
type Instance struct {
	ID        string
	IPAddress string
}

// CreateASGRequest carries everything needed to create or resize an ASG.
type CreateASGRequest struct {
	Name                 string
	LaunchConfiguration  string
	SecurityGroupIDs     []string
	SubnetIDs            []string
	AvailabilityZones    []string
	VPCZoneIdentifier    string
	// VPCID is set when the selected subnets belong to a VPC; it
	// controls CreateASG's load-balancer key translation.
	VPCID                string
	MinSize, MaxSize      int
	DesiredCapacity       int
	DefaultCooldown       int
	HealthCheckType       string
	HealthCheckGracePeriod int
	TerminationPolicies   []string
	LoadBalancerNames     []string
	Tags                  []types.Tag
	BlockDeviceMappings   []types.BlockDeviceMapping
	UserData              string
	InstanceType          string
	ImageID               string
}

// Provider is the cloud façade contract.
type Provider interface {
	// DescribeSecurityGroups returns every security group visible in region.
	DescribeSecurityGroups(ctx context.Context, region string) ([]SecurityGroup, error)

	// DescribeSubnets returns every subnet visible in region.
	DescribeSubnets(ctx context.Context, region string) ([]Subnet, error)

	// DescribeImage resolves an image id to its display-name metadata.
	DescribeImage(ctx context.Context, region, imageID string) (*types.ImageDetails, error)

	// DescribeLoadBalancers fetches descriptors for the named load balancers.
	// Missing names are simply absent from the result.
	DescribeLoadBalancers(ctx context.Context, region string, names []string) ([]LoadBalancer, error)

	// DescribeInstanceHealth reports per-instance health against lbName.
	DescribeInstanceHealth(ctx context.Context, region, lbName string) ([]InstanceHealth, error)

	// ListASGInstances enumerates the running instances of an ASG.
	ListASGInstances(ctx context.Context, region, asgName string) ([]Instance, error)

	// GetLastASGName returns the most recently created ASG name for
	// (application, environment, region), or "" if none exists.
	GetLastASGName(ctx context.Context, region, application, environment string) (string, error)

	// GetLaunchConfigurationUserData fetches the base64 user-data of asgName's
	// current launch configuration, along with the image id it was built from.
	GetLaunchConfigurationUserData(ctx context.Context, region, asgName string) (userData, imageID string, err error)

	// CreateASG submits an ASG create/resize request. Returns a remote task
	// handle per the executor's remote-call error policy (§4.4): every
	// state-changing call must yield a redirect, surfaced here as a
	// RemoteTask rather than an HTTP response.
	CreateASG(ctx context.Context, region string, req CreateASGRequest) (*types.RemoteTask, error)

	// EnableASG enables traffic (adds to load balancers, resumes scaling processes).
	EnableASG(ctx context.Context, region, asgName string) (*types.RemoteTask, error)

	// DisableASG disables traffic.
	DisableASG(ctx context.Context, region, asgName string) (*types.RemoteTask, error)

	// DeleteASG deletes the ASG and its launch configuration.
	DeleteASG(ctx context.Context, region, asgName string) (*types.RemoteTask, error)

	// GetRemoteTask fetches the current JSON representation of a remote
	// task by its url, for the tracker's poll loop.
	GetRemoteTask(ctx context.Context, url string) (*RemoteTaskObservation, error)
}

// RemoteTaskObservation is one poll observation of a remote task, in the
// shape the cloud façade actually returns (pre-normalization; see
// pkg/tracker for the ISO-8601 / log-line normalization rules).
type RemoteTaskObservation struct {
	Status     string          // "running" | "completed" | "failed" | "terminated"
	UpdateTime string          // "YYYY-MM-DD HH:MM:SS UTC"
	Log        []RemoteLogLine // raw, unparsed
}

// RemoteLogLine is one raw log entry as the façade reports it:
// "YYYY-MM-DD_HH:MM:SS message text" packed into a single string.
type RemoteLogLine struct {
	Raw string
}
