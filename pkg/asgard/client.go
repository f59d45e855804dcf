package asgard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/asgardops/maestro/pkg/types"
)

// HTTPClient is the net/http-backed Provider implementation. It talks to
// the remote deployment system using the façade's call pattern (spec's
// CLOUD-FAÇADE CALL PATTERN): state-changing operations are POSTs with
// form-encoded, list-exploded parameters; success is a 302 redirect whose
// Location header becomes the RemoteTask url.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient builds a façade client against baseURL (e.g.
// "https://asgard.example.com").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("asgard: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("asgard: GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// explode renders form-encoded parameters, splitting any []string value
// into repeated fields of the same name (spec: "parameter maps must be
// exploded").
func explode(params map[string]interface{}) url.Values {
	values := url.Values{}
	for k, v := range params {
		switch vv := v.(type) {
		case []string:
			for _, item := range vv {
				values.Add(k, item)
			}
		case string:
			values.Set(k, vv)
		case int:
			values.Set(k, strconv.Itoa(vv))
		case bool:
			values.Set(k, strconv.FormatBool(vv))
		default:
			values.Set(k, fmt.Sprintf("%v", vv))
		}
	}
	return values
}

// postForStateChange performs the façade's state-changing call pattern:
// a form-encoded POST expecting a 302 with Location, returned as a
// RemoteTask for the tracker to poll.
func (c *HTTPClient) postForStateChange(ctx context.Context, path string, params map[string]interface{}) (*types.RemoteTask, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(explode(params).Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asgard: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		return nil, &UnexpectedStatusError{Operation: "POST " + path, Code: resp.StatusCode}
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return nil, fmt.Errorf("asgard: POST %s: 302 response missing Location", path)
	}
	return &types.RemoteTask{URL: location}, nil
}

func (c *HTTPClient) DescribeSecurityGroups(ctx context.Context, region string) ([]SecurityGroup, error) {
	var groups []SecurityGroup
	err := c.get(ctx, "/"+region+"/securityGroups.json", nil, &groups)
	return groups, err
}

func (c *HTTPClient) DescribeSubnets(ctx context.Context, region string) ([]Subnet, error) {
	var subnets []Subnet
	err := c.get(ctx, "/"+region+"/subnets.json", nil, &subnets)
	return subnets, err
}

func (c *HTTPClient) DescribeImage(ctx context.Context, region, imageID string) (*types.ImageDetails, error) {
	var image types.ImageDetails
	err := c.get(ctx, "/"+region+"/images/"+imageID+".json", nil, &image)
	if err != nil {
		return nil, err
	}
	return &image, nil
}

func (c *HTTPClient) DescribeLoadBalancers(ctx context.Context, region string, names []string) ([]LoadBalancer, error) {
	var lbs []LoadBalancer
	err := c.get(ctx, "/"+region+"/loadBalancers.json", url.Values{"name": names}, &lbs)
	return lbs, err
}

func (c *HTTPClient) DescribeInstanceHealth(ctx context.Context, region, lbName string) ([]InstanceHealth, error) {
	var health []InstanceHealth
	err := c.get(ctx, "/"+region+"/loadBalancers/"+lbName+"/instanceHealth.json", nil, &health)
	return health, err
}

func (c *HTTPClient) ListASGInstances(ctx context.Context, region, asgName string) ([]Instance, error) {
	var instances []Instance
	err := c.get(ctx, "/"+region+"/autoScaling/"+asgName+"/instances.json", nil, &instances)
	return instances, err
}

func (c *HTTPClient) GetLastASGName(ctx context.Context, region, application, environment string) (string, error) {
	var result struct {
		Name string `json:"name"`
	}
	err := c.get(ctx, "/"+region+"/autoScaling/"+application+"/"+environment+"/last.json", nil, &result)
	if err != nil {
		return "", err
	}
	return result.Name, nil
}

func (c *HTTPClient) GetLaunchConfigurationUserData(ctx context.Context, region, asgName string) (string, string, error) {
	var result struct {
		UserData string `json:"user-data"`
		ImageID  string `json:"image-id"`
	}
	err := c.get(ctx, "/"+region+"/autoScaling/"+asgName+"/launchConfiguration.json", nil, &result)
	if err != nil {
		return "", "", err
	}
	return result.UserData, result.ImageID, nil
}

func (c *HTTPClient) CreateASG(ctx context.Context, region string, req CreateASGRequest) (*types.RemoteTask, error) {
	params := map[string]interface{}{
		"name":                   req.Name,
		"launchConfiguration":    req.LaunchConfiguration,
		"selectedSecurityGroups": req.SecurityGroupIDs,
		"selectedSubnetPurposes": req.SubnetIDs,
		"availabilityZones":      req.AvailabilityZones,
		"vpcZoneIdentifier":      req.VPCZoneIdentifier,
		"min":                    req.MinSize,
		"max":                    req.MaxSize,
		"desiredCapacity":        req.DesiredCapacity,
		"defaultCooldown":        req.DefaultCooldown,
		"healthCheckType":        req.HealthCheckType,
		"healthCheckGracePeriod": req.HealthCheckGracePeriod,
		"terminationPolicies":    req.TerminationPolicies,
		"userData":               req.UserData,
		"instanceType":           req.InstanceType,
		"imageId":                req.ImageID,
	}

	// Outside a VPC, asgard expects the form key "selectedLoadBalancers";
	// inside one, it expects the key renamed per VPC id so it can tell
	// classic ELBs from VPC ones apart.
	loadBalancerKey := "selectedLoadBalancers"
	if req.VPCID != "" {
		loadBalancerKey = "selectedLoadBalancersForVpcId" + req.VPCID
	}
	params[loadBalancerKey] = req.LoadBalancerNames

	return c.postForStateChange(ctx, "/"+region+"/autoScaling/save", params)
}

func (c *HTTPClient) EnableASG(ctx context.Context, region, asgName string) (*types.RemoteTask, error) {
	return c.postForStateChange(ctx, "/"+region+"/autoScaling/activate", map[string]interface{}{"name": asgName})
}

func (c *HTTPClient) DisableASG(ctx context.Context, region, asgName string) (*types.RemoteTask, error) {
	return c.postForStateChange(ctx, "/"+region+"/autoScaling/deactivate", map[string]interface{}{"name": asgName})
}

func (c *HTTPClient) DeleteASG(ctx context.Context, region, asgName string) (*types.RemoteTask, error) {
	return c.postForStateChange(ctx, "/"+region+"/autoScaling/delete", map[string]interface{}{"name": asgName})
}

func (c *HTTPClient) GetRemoteTask(ctx context.Context, taskURL string) (*RemoteTaskObservation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, taskURL+".json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asgard: GET %s: %w", taskURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("asgard: GET %s: unexpected status %d", taskURL, resp.StatusCode)
	}

	var wire struct {
		Status         string   `json:"status"`
		Log            []string `json:"log"`
		UpdateTime     string   `json:"updateTime"`
		Operation      string   `json:"operation"`
		DurationString string   `json:"durationString"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("asgard: decoding remote task: %w", err)
	}

	lines := make([]RemoteLogLine, len(wire.Log))
	for i, raw := range wire.Log {
		lines[i] = RemoteLogLine{Raw: raw}
	}
	return &RemoteTaskObservation{Status: wire.Status, UpdateTime: wire.UpdateTime, Log: lines}, nil
}

var _ Provider = (*HTTPClient)(nil)
