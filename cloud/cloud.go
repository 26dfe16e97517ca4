// Package cloud issues unit names and stores unit attributes through the
// manufacturing cloud functions.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/oto-labs/eol-station/unit"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

// Factory location codes understood by the serial service.
const (
	FactoryOtO  = "OTO_MFG"
	FactoryMeco = "MECO_MFG"
)

// conflictMarker prefixes the serial the cloud already holds for a MAC address.
const conflictMarker = "Firebase found one unit with this MAC address but it does not match the device ID provided. Firebase: "

// FactoryCode maps a station's factory location to its service code.
func FactoryCode(location string) string {
	if strings.Contains(strings.ToUpper(location), "OTO") {
		return FactoryOtO
	}
	return FactoryMeco
}

// Config locates the cloud functions.
type Config struct {
	SerialURL     string        `json:"serial_url"`
	AttributesURL string        `json:"attributes_url,omitempty"`
	Key           string        `json:"key"`
	Timeout       time.Duration `json:"-"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	if c.SerialURL == "" {
		return errors.Errorf("%s: cloud serial_url is required", path)
	}
	if c.Key == "" {
		return errors.Errorf("%s: cloud key is required", path)
	}
	return nil
}

// SerialRequest asks for the unit name of one unit.
type SerialRequest struct {
	Key             string `json:"key"`
	BOMNumber       string `json:"bomNumber"`
	BatchNumber     string `json:"batchNumber"`
	MACAddress      string `json:"macAddress"`
	FactoryLocation string `json:"flashFactoryLocation"`
	UnitSerial      string `json:"unitSerial,omitempty"`
}

type serialResponse struct {
	UnitSerial *string `json:"unitSerial"`
	Error      string  `json:"error"`
}

// APIError is a non-200 answer from the cloud. Message is the service's own
// error text.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// ConflictingSerial extracts the serial the cloud already holds for this MAC
// address from a conflict error. The serial is scraped from free text, so
// callers must validate it.
func ConflictingSerial(err error) (string, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	i := strings.Index(apiErr.Message, conflictMarker+"oto")
	if i < 0 {
		return "", false
	}
	rest := apiErr.Message[i+len(conflictMarker):]
	if len(rest) > 10 {
		rest = rest[:10]
	}
	return rest, true
}

// Client talks to the cloud functions.
type Client struct {
	cfg    Config
	http   *http.Client
	logger logging.Logger
}

// NewClient returns a client for cfg.
func NewClient(cfg Config, logger logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// IssueSerial sends req and returns the unit name the cloud assigned.
func (c *Client) IssueSerial(ctx context.Context, req SerialRequest) (string, error) {
	req.Key = c.cfg.Key
	c.logger.CInfo(ctx, "Cloud communication...")
	status, body, err := c.post(ctx, c.cfg.SerialURL, req)
	if err != nil {
		return "", err
	}
	var resp serialResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if status != http.StatusOK {
			return "", &APIError{Status: status, Message: string(body)}
		}
		return "", errors.New(string(body))
	}
	if status != http.StatusOK {
		return "", &APIError{Status: status, Message: resp.Error}
	}
	if resp.UnitSerial == nil {
		return "", errors.New("unable to read unitSerial in cloud response")
	}
	return *resp.UnitSerial, nil
}

// Attributes is the record stored for a tested unit.
type Attributes struct {
	Key          string  `json:"key"`
	UnitSerial   string  `json:"unitSerial"`
	MACAddress   string  `json:"macAddress"`
	BOMNumber    string  `json:"bomNumber"`
	BatchNumber  string  `json:"batchNumber"`
	Firmware     string  `json:"firmware"`
	ValveOffset  int     `json:"valveOffset"`
	NozzleOffset int     `json:"nozzleOffset"`
	Battery      float64 `json:"batteryVoltage"`
}

// SaveUnit stores the unit's attributes. Stations without an attributes URL
// skip the call.
func (c *Client) SaveUnit(ctx context.Context, u *unit.UnitUnderTest) error {
	if c.cfg.AttributesURL == "" {
		return errors.New("no cloud attributes_url configured")
	}
	attrs := Attributes{
		Key:          c.cfg.Key,
		UnitSerial:   u.DeviceID,
		MACAddress:   u.MACAddress,
		BOMNumber:    u.BOM,
		BatchNumber:  u.Batch,
		Firmware:     u.Firmware.String(),
		ValveOffset:  u.ValveOffset,
		NozzleOffset: u.NozzleOffset,
		Battery:      u.BatteryVoltage,
	}
	status, body, err := c.post(ctx, c.cfg.AttributesURL, attrs)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		var resp serialResponse
		if json.Unmarshal(body, &resp) == nil && resp.Error != "" {
			return &APIError{Status: status, Message: resp.Error}
		}
		return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, v interface{}) (int, []byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, errors.Wrapf(err, "building request to %s", url)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "connection error to cloud %s", url)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.CError(ctx, err)
		}
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Wrapf(err, "reading response from %s", url)
	}
	c.logger.Debugf("POST %s: %d", url, resp.StatusCode)
	return resp.StatusCode, body, nil
}
