package station

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"

	"github.com/oto-labs/eol-station/cloud"
	"github.com/oto-labs/eol-station/fixture"
	"github.com/oto-labs/eol-station/publish"
	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unitlink"
)

// Profile environment variables. Values from the process environment win over
// the env file, which wins over the component attributes.
const (
	EnvFixtureName        = "EOL_FIXTURE_NAME"
	EnvFactoryLocation    = "EOL_FACTORY_LOCATION"
	EnvCurrentFactor      = "EOL_CURRENT_FACTOR"
	EnvLogRoot            = "EOL_LOG_ROOT"
	EnvSuite              = "EOL_SUITE"
	EnvThresholds         = "EOL_THRESHOLDS"
	EnvThresholdsFile     = "EOL_THRESHOLDS_FILE"
	EnvFullyOpenWriteBack = "EOL_FULLY_OPEN_WRITE_BACK"
	EnvValveReset         = "EOL_VALVE_RESET"
)

var envKeys = []string{
	EnvFixtureName, EnvFactoryLocation, EnvCurrentFactor, EnvLogRoot, EnvSuite,
	EnvThresholds, EnvThresholdsFile, EnvFullyOpenWriteBack, EnvValveReset,
}

// defaultCurrentFactors are the charge meter corrections measured on each
// production fixture.
var defaultCurrentFactors = map[string]float64{
	"MecoChina1": 0.835,
	"MecoChina2": 0.955,
	"MecoChina3": 0.969,
	"MecoChina4": 0.967,
	"MecoChina5": 0.96,
	"OTOLab1":    0.764,
}

// StationProfile is everything that differs between test stations.
type StationProfile struct {
	FixtureName     string `json:"fixture_name"`
	FactoryLocation string `json:"factory_location"`
	// CurrentFactor corrects the charge meter. Zero means use the known factor
	// of FixtureName, if any.
	CurrentFactor float64 `json:"current_factor,omitempty"`
	LogRoot       string  `json:"log_root"`
	// Suite is "eol" or "returns".
	Suite string `json:"suite,omitempty"`
	// Thresholds names a built-in table and defaults to Suite. ThresholdsFile
	// replaces it with a YAML file.
	Thresholds         string `json:"thresholds,omitempty"`
	ThresholdsFile     string `json:"thresholds_file,omitempty"`
	FullyOpenWriteBack bool   `json:"fully_open_write_back,omitempty"`
	// ValveReset writes the calibrated valve offset to the unit. Defaults to true.
	ValveReset *bool `json:"valve_reset,omitempty"`
}

// MeterConfig locates the LTC2945 charge meter.
type MeterConfig struct {
	I2CBus    string  `json:"i2c_bus"`
	Address   int     `json:"i2c_address,omitempty"`
	SenseOhms float64 `json:"sense_ohms,omitempty"`
}

// Config describes the station component.
type Config struct {
	Board      string                    `json:"board"`
	Pins       fixture.Pins              `json:"pins,omitempty"`
	Meter      *MeterConfig              `json:"meter,omitempty"`
	Serial     unitlink.SerialConfig     `json:"serial,omitempty"`
	Profile    StationProfile            `json:"profile"`
	EnvFile    string                    `json:"env_file,omitempty"`
	Cloud      *cloud.Config             `json:"cloud,omitempty"`
	MQTT       *publish.MQTTConfig       `json:"mqtt,omitempty"`
	ClickHouse *publish.ClickHouseConfig `json:"clickhouse,omitempty"`
	// HistoryFile defaults to history.db under the log root.
	HistoryFile string `json:"history_file,omitempty"`
	// HTTPAddr enables the operator API, e.g. ":8080".
	HTTPAddr string `json:"http_addr,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) ([]string, []string, error) {
	if c.Board == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if c.Meter != nil && c.Meter.I2CBus == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path+".meter", "i2c_bus")
	}
	if c.Profile.CurrentFactor < 0 {
		return nil, nil, errors.New("current_factor must not be negative")
	}
	if s := c.Profile.Suite; s != "" && s != thresholds.EOL && s != thresholds.Returns {
		return nil, nil, errors.Errorf("suite must be %q or %q, got %q", thresholds.EOL, thresholds.Returns, s)
	}
	if c.Cloud != nil {
		if err := c.Cloud.Validate(path + ".cloud"); err != nil {
			return nil, nil, err
		}
	}
	if c.MQTT != nil {
		if err := c.MQTT.Validate(path + ".mqtt"); err != nil {
			return nil, nil, err
		}
	}
	if c.ClickHouse != nil {
		if err := c.ClickHouse.Validate(path + ".clickhouse"); err != nil {
			return nil, nil, err
		}
	}
	return []string{c.Board}, nil, nil
}

// loadEnv reads the profile variables from file, if set, and the process
// environment.
func loadEnv(file string) (map[string]string, error) {
	vars := map[string]string{}
	if file != "" {
		var err error
		if vars, err = godotenv.Read(file); err != nil {
			return nil, errors.Wrapf(err, "reading env file %s", file)
		}
	}
	for _, k := range envKeys {
		if v, ok := os.LookupEnv(k); ok {
			vars[k] = v
		}
	}
	return vars, nil
}

// resolve applies env overrides and defaults and checks the result.
func (p StationProfile) resolve(env map[string]string) (StationProfile, error) {
	str := func(dst *string, key string) {
		if v, ok := env[key]; ok && v != "" {
			*dst = v
		}
	}
	str(&p.FixtureName, EnvFixtureName)
	str(&p.FactoryLocation, EnvFactoryLocation)
	str(&p.LogRoot, EnvLogRoot)
	str(&p.Suite, EnvSuite)
	str(&p.Thresholds, EnvThresholds)
	str(&p.ThresholdsFile, EnvThresholdsFile)
	if v, ok := env[EnvCurrentFactor]; ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, errors.Wrapf(err, "%s", EnvCurrentFactor)
		}
		p.CurrentFactor = f
	}
	if v, ok := env[EnvFullyOpenWriteBack]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, errors.Wrapf(err, "%s", EnvFullyOpenWriteBack)
		}
		p.FullyOpenWriteBack = b
	}
	if v, ok := env[EnvValveReset]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, errors.Wrapf(err, "%s", EnvValveReset)
		}
		p.ValveReset = &b
	}

	if p.FixtureName == "" {
		return p, errors.Errorf("fixture_name is required, set it in the profile or %s", EnvFixtureName)
	}
	if p.LogRoot == "" {
		return p, errors.Errorf("log_root is required, set it in the profile or %s", EnvLogRoot)
	}
	if p.Suite == "" {
		p.Suite = thresholds.EOL
	}
	if p.Suite != thresholds.EOL && p.Suite != thresholds.Returns {
		return p, errors.Errorf("unknown suite %q", p.Suite)
	}
	if p.Thresholds == "" {
		p.Thresholds = p.Suite
	}
	if p.CurrentFactor == 0 {
		p.CurrentFactor = defaultCurrentFactors[p.FixtureName]
	}
	if p.CurrentFactor < 0 {
		return p, errors.New("current factor must not be negative")
	}
	if p.ValveReset == nil {
		reset := true
		p.ValveReset = &reset
	}
	return p, nil
}

// limits loads the profile's threshold table.
func (p StationProfile) limits() (*thresholds.Table, error) {
	if p.ThresholdsFile != "" {
		return thresholds.Load(p.ThresholdsFile)
	}
	return thresholds.Builtin(p.Thresholds)
}

func (c *Config) historyFile(p StationProfile) string {
	if c.HistoryFile != "" {
		return c.HistoryFile
	}
	return filepath.Join(p.LogRoot, "history.db")
}
