// Package types holds the core records the deployment engine operates on:
// Deployment, its ordered Task list, and the nested configuration the
// parameter pipeline assembles before the executor runs.
package types

import "time"

// Phase is the coarse-grained lifecycle stage of a Deployment.
type Phase string

const (
	PhasePreparation Phase = "preparation"
	PhaseDeployment  Phase = "deployment"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// Status is the outcome classification of a Deployment.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
	StatusPaused     Status = "paused"
)

// TaskAction names one of the six fixed steps of the task sequence (§4.4).
type TaskAction string

const (
	ActionCreateASG          TaskAction = "create-asg"
	ActionWaitInstanceHealth TaskAction = "wait-for-instance-health"
	ActionEnableASG          TaskAction = "enable-asg"
	ActionWaitELBHealth      TaskAction = "wait-for-elb-health"
	ActionDisableASG         TaskAction = "disable-asg"
	ActionDeleteASG          TaskAction = "delete-asg"
)

// TaskSequence is the fixed, ordered set of actions every deployment runs (invariant 1).
var TaskSequence = []TaskAction{
	ActionCreateASG,
	ActionWaitInstanceHealth,
	ActionEnableASG,
	ActionWaitELBHealth,
	ActionDisableASG,
	ActionDeleteASG,
}

// TaskStatus is the lifecycle state of a single Task. Transitions are
// monotone: pending -> running -> {completed, failed, terminated}.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskTerminated TaskStatus = "terminated"
)

// terminalTaskStatus reports whether status is one the tracker/executor treats as final.
func terminalTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTerminated:
		return true
	}
	return false
}

// LogLine is a single timestamped entry in a deployment's or task's log stream.
type LogLine struct {
	Date    time.Time `json:"date"`
	Message string    `json:"message"`
}

// RemoteTask is the handle to a long-running operation on the cloud
// provider façade, identified by a URL and polled by the tracker (C2)
// until terminal.
type RemoteTask struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Task is one step of a Deployment's fixed six-step sequence.
type Task struct {
	ID     string     `json:"id"`
	Action TaskAction `json:"action"`
	Status TaskStatus `json:"status"`
	Start  time.Time  `json:"start,omitempty"`
	End    time.Time  `json:"end,omitempty"`
	Remote *RemoteTask `json:"remote,omitempty"`
	Log    []LogLine  `json:"log"`
}

// IsTerminal reports whether the task has reached a final status.
func (t *Task) IsTerminal() bool {
	return terminalTaskStatus(t.Status)
}

// AppendLog appends a timestamped message to the task's own log stream.
// Callers must hold whatever serialization the store adapter requires;
// this method itself performs no locking (see pkg/store).
func (t *Task) AppendLog(message string, at time.Time) {
	t.Log = append(t.Log, LogLine{Date: at, Message: message})
}

// ImageDetails is the parsed form of a machine image's display name:
// "<application>-<version>-<virt-type>" (or similar, collaborator-defined).
type ImageDetails struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	App      string `json:"application"`
	Version  string `json:"version"`
	VirtType string `json:"virtualization-type"`
}

// Contact is application ownership metadata from the metadata service.
type Contact struct {
	Owner   string `json:"owner"`
	Contact string `json:"contact"`
	Email   string `json:"email"`
}

// BlockDeviceMapping is one entry of an ASG launch configuration's block
// device list.
type BlockDeviceMapping struct {
	DeviceName  string `json:"device-name"`
	VirtualName string `json:"virtual-name,omitempty"`
	SnapshotID  string `json:"snapshot-id,omitempty"`
	VolumeSize  int    `json:"volume-size,omitempty"`
	VolumeType  string `json:"volume-type,omitempty"`
}

// Tag is one auto-scaling-group tag entry (§4.3 step 23).
type Tag struct {
	Key                string `json:"key"`
	Value              string `json:"value"`
	PropagateAtLaunch  bool   `json:"propagate-at-launch"`
	ResourceType       string `json:"resource-type"`
	ResourceID         string `json:"resource-id"`
}

// Tyranitar is the bundle of per-hash configuration documents fetched from
// the configuration service (named for the collaborator in the original
// system: application-properties, deployment-params, launch-data).
type Tyranitar struct {
	ApplicationProperties map[string]interface{} `json:"application-properties,omitempty"`
	DeploymentParams      map[string]interface{} `json:"deployment-params,omitempty"`
	LaunchData            string                 `json:"launch-data,omitempty"`
}

// ASGState is the shape shared by new-state and previous-state: everything
// needed to describe one auto scaling group's configuration.
type ASGState struct {
	Hash                    string               `json:"hash,omitempty"`
	ImageDetails            *ImageDetails        `json:"image-details,omitempty"`
	Onix                    *Contact             `json:"onix,omitempty"`
	LaunchConfigurationName string               `json:"launch-configuration-name,omitempty"`
	AutoScalingGroupName    string               `json:"auto-scaling-group-name,omitempty"`
	SelectedSecurityGroupIDs []string            `json:"selected-security-group-ids,omitempty"`
	SelectedSubnets         []string             `json:"selected-subnets,omitempty"`
	AvailabilityZones       []string             `json:"availability-zones,omitempty"`
	VPCZoneIdentifier       string               `json:"vpc-zone-identifier,omitempty"`
	VPCID                   string               `json:"vpc-id,omitempty"`
	BlockDeviceMappings     []BlockDeviceMapping `json:"block-device-mappings,omitempty"`
	AutoScalingGroupTags    []Tag                `json:"auto-scaling-group-tags,omitempty"`
	UserData               string                `json:"user-data,omitempty"`
	Tyranitar              Tyranitar             `json:"tyranitar"`
	TerminationPolicies     []string             `json:"termination-policies,omitempty"`
	SelectedLoadBalancers   []string             `json:"selected-load-balancers,omitempty"`
	HealthCheckType         string               `json:"health-check-type,omitempty"`
}

// Deployment is the central record the whole engine revolves around:
// request parameters plus the working state the pipeline (C3) and
// executor (C4) accumulate, plus the fixed six-task list.
type Deployment struct {
	ID          string `json:"id"`
	Application string `json:"application"`
	Environment string `json:"environment"`
	Region      string `json:"region"`
	User        string `json:"user"`
	Message     string `json:"message"`

	Created time.Time `json:"created"`
	Start   time.Time `json:"start,omitempty"`
	End     time.Time `json:"end,omitempty"`

	Phase  Phase  `json:"phase"`
	Status Status `json:"status"`

	NewState      ASGState  `json:"new-state"`
	PreviousState *ASGState `json:"previous-state,omitempty"`

	Tasks []*Task `json:"tasks"`

	Rollback bool `json:"rollback"`
	Silent   bool `json:"silent"`

	// Cause records the error kind/message that terminated a failed
	// deployment's pipeline run (§7).
	Cause string `json:"cause,omitempty"`

	// Log is the deployment-level append-only message stream, distinct
	// from each task's own log (§4.1 append-log).
	Log []LogLine `json:"log"`

	Paused bool `json:"paused"`
}

// ApplicationMetadata is the operator-registered record for an
// application: its owner, contact, email and description (§9.2's upsert
// validation; distinct from the external metadata service's per-deploy
// Contact lookup). It carries no default region or environment.
type ApplicationMetadata struct {
	Name        string `json:"name"`
	Owner       string `json:"owner,omitempty"`
	Contact     string `json:"contact,omitempty"`
	Email       string `json:"email,omitempty"`
	Description string `json:"description,omitempty"`
}

// Key identifies the (application, environment, region) triple the
// in-progress registry, pause flags, and lock enforce at-most-one over.
type Key struct {
	Application string
	Environment string
	Region      string
}

// TaskByID returns the task with the given id, or nil.
func (d *Deployment) TaskByID(id string) *Task {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// NextTask returns the task immediately following the one with the given
// id in Tasks, or nil if it was the last (§4.4 transition rule: O(n)
// traversal over the deployment's task list).
func (d *Deployment) NextTask(afterID string) *Task {
	for i, t := range d.Tasks {
		if t.ID == afterID {
			if i+1 < len(d.Tasks) {
				return d.Tasks[i+1]
			}
			return nil
		}
	}
	return nil
}

// AllTasksCompleted reports whether every task in the sequence reached
// TaskCompleted.
func (d *Deployment) AllTasksCompleted() bool {
	for _, t := range d.Tasks {
		if t.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// Key returns the (application, environment, region) triple for this deployment.
func (d *Deployment) Key() Key {
	return Key{Application: d.Application, Environment: d.Environment, Region: d.Region}
}
