// Package redfish is the fast structured-API adapter: BIOS attribute
// batches, system inventory, firmware SimpleUpdate and power actions over
// the DMTF Redfish REST API.
package redfish

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/pkg/bmc"
)

const (
	serviceRoot   = "/redfish/v1"
	systemsPath   = serviceRoot + "/Systems"
	simpleUpdate  = serviceRoot + "/UpdateService/Actions/UpdateService.SimpleUpdate"
	defaultScheme = "https://"
)

// Options configures a Client
type Options struct {
	Timeout  time.Duration
	Insecure bool
}

// Client talks Redfish to any number of BMCs. It is safe for concurrent use.
type Client struct {
	http *resty.Client
}

// New builds a Client
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	rc := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("OData-Version", "4.0").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if opts.Insecure {
		rc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	return &Client{http: rc}
}

// SystemInfo is the subset of a ComputerSystem resource used for discovery
type SystemInfo struct {
	ID             string  `json:"Id"`
	Manufacturer   string  `json:"Manufacturer"`
	Model          string  `json:"Model"`
	SerialNumber   string  `json:"SerialNumber"`
	BIOSVersion    string  `json:"BiosVersion"`
	PowerState     string  `json:"PowerState"`
	ProcessorCount int     `json:"-"`
	MemoryGiB      float64 `json:"-"`
}

type systemResource struct {
	SystemInfo
	ProcessorSummary struct {
		Count int `json:"Count"`
	} `json:"ProcessorSummary"`
	MemorySummary struct {
		TotalSystemMemoryGiB float64 `json:"TotalSystemMemoryGiB"`
	} `json:"MemorySummary"`
}

type collection struct {
	Members []struct {
		ODataID string `json:"@odata.id"`
	} `json:"Members"`
}

type extendedInfo struct {
	MessageID         string   `json:"MessageId"`
	Message           string   `json:"Message"`
	RelatedProperties []string `json:"RelatedProperties"`
}

type errorBody struct {
	Error struct {
		Code     string         `json:"code"`
		Message  string         `json:"message"`
		Extended []extendedInfo `json:"@Message.ExtendedInfo"`
	} `json:"error"`
}

func baseURL(ep bmc.Endpoint) string {
	if strings.HasPrefix(ep.Address, "http://") || strings.HasPrefix(ep.Address, "https://") {
		return strings.TrimRight(ep.Address, "/")
	}
	return defaultScheme + ep.Address
}

func (c *Client) request(ctx context.Context, creds bmc.Credentials) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetBasicAuth(creds.Username, creds.Password)
}

// Probe checks the service root and resolves the system id, verifying
// connectivity, credentials and that BIOS settings are exposed.
func (c *Client) Probe(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials) error {
	resp, err := c.request(ctx, creds).Get(baseURL(ep) + serviceRoot)
	if err := check(resp, err, "probe service root"); err != nil {
		return err
	}
	id, err := c.systemID(ctx, ep, creds)
	if err != nil {
		return err
	}
	resp, err = c.request(ctx, creds).Get(baseURL(ep) + systemsPath + "/" + id + "/Bios")
	return check(resp, err, "probe bios resource")
}

// SystemInfo fetches the ComputerSystem resource
func (c *Client) SystemInfo(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials) (*SystemInfo, error) {
	id, err := c.systemID(ctx, ep, creds)
	if err != nil {
		return nil, err
	}

	var res systemResource
	resp, err := c.request(ctx, creds).SetResult(&res).Get(baseURL(ep) + systemsPath + "/" + id)
	if err := check(resp, err, "get system"); err != nil {
		return nil, err
	}

	info := res.SystemInfo
	if info.ID == "" {
		info.ID = id
	}
	info.ProcessorCount = res.ProcessorSummary.Count
	info.MemoryGiB = res.MemorySummary.TotalSystemMemoryGiB
	return &info, nil
}

// BIOSAttributes returns the current BIOS attribute values
func (c *Client) BIOSAttributes(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials) (map[string]interface{}, error) {
	id, err := c.systemID(ctx, ep, creds)
	if err != nil {
		return nil, err
	}

	var res struct {
		Attributes map[string]interface{} `json:"Attributes"`
	}
	resp, err := c.request(ctx, creds).SetResult(&res).Get(baseURL(ep) + systemsPath + "/" + id + "/Bios")
	if err := check(resp, err, "get bios attributes"); err != nil {
		return nil, err
	}
	return res.Attributes, nil
}

// ApplySettings stages a batch of BIOS attributes in one PATCH against the
// pending settings resource. They take effect on the next reboot.
func (c *Client) ApplySettings(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, settings map[string]string) (map[string]bmc.SettingResult, error) {
	results := make(map[string]bmc.SettingResult, len(settings))
	if len(settings) == 0 {
		return results, nil
	}

	id, err := c.systemID(ctx, ep, creds)
	if err != nil {
		return failAll(settings, err), err
	}

	attrs := make(map[string]interface{}, len(settings))
	for k, v := range settings {
		attrs[k] = v
	}

	log.Debug().Str("target", ep.Address).Int("attributes", len(attrs)).Msg("redfish bios patch")
	resp, err := c.request(ctx, creds).
		SetBody(map[string]interface{}{"Attributes": attrs}).
		Patch(baseURL(ep) + systemsPath + "/" + id + "/Bios/Settings")
	if err != nil {
		wrapped := merrors.Wrap(err, merrors.ErrConnection, "bios settings patch")
		return failAll(settings, wrapped), wrapped
	}

	if resp.IsSuccess() {
		for k := range settings {
			results[k] = bmc.SettingResult{Applied: true, Message: "staged, pending reboot"}
		}
		return results, nil
	}

	rejected := rejectedAttributes(resp.Body())
	for k := range settings {
		if msg, ok := rejected[k]; ok {
			results[k] = bmc.SettingResult{Message: msg}
			continue
		}
		results[k] = bmc.SettingResult{Message: fmt.Sprintf("batch rejected: %s", resp.Status())}
	}
	return results, statusError(resp, "bios settings patch")
}

// SimpleUpdate asks the BMC to pull and apply a firmware image. It returns
// the task monitor URI when the BMC provides one.
func (c *Client) SimpleUpdate(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, imageURI string, targets []string) (string, error) {
	body := map[string]interface{}{"ImageURI": imageURI}
	if strings.HasPrefix(strings.ToLower(imageURI), "https") {
		body["TransferProtocol"] = "HTTPS"
	} else if strings.HasPrefix(strings.ToLower(imageURI), "http") {
		body["TransferProtocol"] = "HTTP"
	}
	if len(targets) > 0 {
		body["Targets"] = targets
	}

	resp, err := c.request(ctx, creds).SetBody(body).Post(baseURL(ep) + simpleUpdate)
	if err := check(resp, err, "simple update"); err != nil {
		return "", err
	}
	return resp.Header().Get("Location"), nil
}

// Reset issues a ComputerSystem.Reset action, e.g. GracefulRestart
func (c *Client) Reset(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, resetType string) error {
	if resetType == "" {
		resetType = "GracefulRestart"
	}
	id, err := c.systemID(ctx, ep, creds)
	if err != nil {
		return err
	}
	resp, err := c.request(ctx, creds).
		SetBody(map[string]string{"ResetType": resetType}).
		Post(baseURL(ep) + systemsPath + "/" + id + "/Actions/ComputerSystem.Reset")
	return check(resp, err, "system reset")
}

func (c *Client) systemID(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials) (string, error) {
	if ep.SystemID != "" {
		return ep.SystemID, nil
	}

	var members collection
	resp, err := c.request(ctx, creds).SetResult(&members).Get(baseURL(ep) + systemsPath)
	if err := check(resp, err, "list systems"); err != nil {
		return "", err
	}
	if len(members.Members) == 0 {
		return "", merrors.New(merrors.ErrNotFound, "BMC exposes no computer systems")
	}
	return path.Base(members.Members[0].ODataID), nil
}

func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return merrors.Wrap(err, merrors.ErrConnection, op)
	}
	if resp.IsError() {
		return statusError(resp, op)
	}
	return nil
}

func statusError(resp *resty.Response, op string) error {
	ctx := map[string]interface{}{"status": resp.StatusCode(), "url": resp.Request.URL}
	msg := fmt.Sprintf("%s: %s", op, resp.Status())

	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		return merrors.WithContext(merrors.Prerequisite(msg+": BMC rejected credentials"), ctx)
	case http.StatusNotFound:
		return merrors.WithContext(merrors.New(merrors.ErrNotFound, msg), ctx)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return merrors.WithContext(merrors.New(merrors.ErrTimeout, msg), ctx)
	}

	var body errorBody
	if json.Unmarshal(resp.Body(), &body) == nil && body.Error.Message != "" {
		msg += ": " + body.Error.Message
	}
	return merrors.WithContext(merrors.Adapter(nil, msg), ctx)
}

// rejectedAttributes maps attribute names named in the error's
// ExtendedInfo RelatedProperties to their messages.
func rejectedAttributes(raw []byte) map[string]string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	out := make(map[string]string)
	for _, info := range body.Error.Extended {
		for _, prop := range info.RelatedProperties {
			name := strings.TrimPrefix(prop, "#/Attributes/")
			if name != prop {
				out[name] = info.Message
			}
		}
	}
	return out
}

func failAll(settings map[string]string, err error) map[string]bmc.SettingResult {
	out := make(map[string]bmc.SettingResult, len(settings))
	for k := range settings {
		out[k] = bmc.SettingResult{Message: err.Error()}
	}
	return out
}
