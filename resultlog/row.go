// Package resultlog writes the station's production records: one row per run
// in a rolling CSV file, and the raw data of every step next to it.
package resultlog

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/oto-labs/eol-station/dsp"
	"github.com/oto-labs/eol-station/runner"
	"github.com/oto-labs/eol-station/steps"
	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unit"
)

// Columns is the production log header, in file order.
var Columns = []string{
	"Entry Time", "Device ID", "MAC Address", "Firmware", "BOM", "Batch",
	"Unit Name Time", "Battery", "Battery Time", "Ext Power I", "Ext Power V", "Ext Power Time",
	"Pump 1 Time", "Pump 1 Ave Current", "Pump 1 Current STD",
	"Pump 2 Time", "Pump 2 Ave Current", "Pump 2 Current STD",
	"Pump 3 Time", "Pump 3 Ave Current", "Pump 3 Current STD",
	"Nozzle Offset", "Nozzle Home Time",
	"0 Pressure", "0 Pressure STD", "0 Pressure Time",
	"Valve Offset", "Valve Offset Time", "Valve Ave Current", "Valve Current STD",
	"Peak 1 Pressure", "Peak 1 Angle", "Peak 2 Pressure", "Peak 2 Angle",
	"Closed Pressure", "Closed Pressure STD", "Closed Pressure Time",
	"Fully Open Trials", "Fully Open 1 Ave", "Fully Open 1 STD", "Fully Open 3 Ave", "Fully Open 3 STD", "Fully Open Time",
	"Nozzle Speed", "Nozzle Speed STD", "Nozzle Time", "Nozzle Ave Current", "Nozzle Current STD",
	"Vacuum Fail", "Vacuum Time",
	"Solar Voltage", "Solar Current", "Solar Time",
	"Cloud Save", "Cloud Time",
	"Printed", "Print Time",
	"Pass Time", "Passed",
}

const entryTime = "2006-01-02 15:04:05.000000"

var columnIndex = func() map[string]int {
	m := make(map[string]int, len(Columns))
	for i, c := range Columns {
		m[c] = i
	}
	return m
}()

type row []string

func (r row) set(column, value string) {
	i, ok := columnIndex[column]
	if !ok {
		panic("resultlog: no column " + column)
	}
	r[i] = value
}

func (r row) stats(mean, std string, s unit.Stats) {
	r.set(mean, num(s.Mean))
	r.set(std, num(s.STD))
}

// BuildRow maps a finished run to a log row. Every step kind has its columns;
// a kind without them is an error, never a silently empty row.
func BuildRow(rep *runner.Report) ([]string, error) {
	u := rep.Unit
	if u == nil {
		return nil, errors.New("report has no unit record")
	}
	r := make(row, len(Columns))
	r.set("Entry Time", rep.Started.Format(entryTime))
	r.set("Device ID", u.DeviceID)
	r.set("MAC Address", u.MACAddress)
	r.set("Firmware", u.Firmware.String())
	r.set("BOM", u.BOM)
	r.set("Batch", u.Batch)
	r.set("Pass Time", seconds(rep.Elapsed.Seconds()))
	r.set("Passed", pyBool(rep.Passed))

	for _, res := range rep.Results {
		if res.Elapsed <= 0 {
			continue
		}
		elapsed := seconds(res.Elapsed.Seconds())
		switch res.Kind {
		case steps.KindUnitName:
			r.set("Unit Name Time", elapsed)
		case steps.KindBattery:
			r.set("Battery Time", elapsed)
			r.set("Battery", num(u.BatteryVoltage))
		case steps.KindExternalPower:
			r.set("Ext Power Time", elapsed)
			r.set("Ext Power I", num(u.ExternalPowerCurrent))
			r.set("Ext Power V", num(u.ExternalPowerVoltage))
		case steps.KindPump:
			p, ok := res.Payload.(steps.PumpPayload)
			if !ok || p.Target < 1 || p.Target > len(u.Pumps) {
				return nil, errors.Errorf("pump result %q has no valid target", res.Step)
			}
			prefix := "Pump " + strconv.Itoa(p.Target)
			r.set(prefix+" Time", elapsed)
			r.stats(prefix+" Ave Current", prefix+" Current STD", u.Pumps[p.Target-1].Current)
		case steps.KindNozzleHome:
			r.set("Nozzle Home Time", elapsed)
			r.set("Nozzle Offset", strconv.Itoa(u.NozzleOffset))
		case steps.KindPressure:
			if p, ok := res.Payload.(steps.PressurePayload); ok && p.Mode != thresholds.ModeZero {
				continue
			}
			r.set("0 Pressure Time", elapsed)
			r.stats("0 Pressure", "0 Pressure STD", u.ZeroPressure)
		case steps.KindValveCalibration:
			r.set("Valve Offset Time", elapsed)
			r.stats("Valve Ave Current", "Valve Current STD", u.ValveCurrent)
			r.set("Valve Offset", strconv.Itoa(u.ValveOffset))
			r.set("Peak 1 Pressure", strconv.Itoa(u.Peak1.Pressure))
			r.set("Peak 1 Angle", strconv.Itoa(u.Peak1.Angle))
			r.set("Peak 2 Pressure", strconv.Itoa(u.Peak2.Pressure))
			r.set("Peak 2 Angle", strconv.Itoa(u.Peak2.Angle))
		case steps.KindValveClosed:
			r.set("Closed Pressure Time", elapsed)
			if u.ClosedPressure.Mean > 0 {
				r.stats("Closed Pressure", "Closed Pressure STD", u.ClosedPressure)
			}
		case steps.KindFullyOpen:
			r.set("Fully Open Time", elapsed)
			if u.FullyOpenTrials > 0 {
				r.set("Fully Open Trials", strconv.Itoa(u.FullyOpenTrials))
				r.stats("Fully Open 1 Ave", "Fully Open 1 STD", u.FullyOpenFirst)
				r.stats("Fully Open 3 Ave", "Fully Open 3 STD", u.FullyOpenSecond)
			}
		case steps.KindNozzleRotation:
			r.set("Nozzle Time", elapsed)
			r.stats("Nozzle Ave Current", "Nozzle Current STD", u.NozzleCurrent)
			if u.NozzleSpeed.Mean > 0 {
				r.stats("Nozzle Speed", "Nozzle Speed STD", u.NozzleSpeed)
			}
		case steps.KindVacuum:
			r.set("Vacuum Time", elapsed)
			r.set("Vacuum Fail", strconv.Itoa(u.VacuumFail))
		case steps.KindSolar:
			r.set("Solar Time", elapsed)
			r.set("Solar Voltage", num(u.SolarVoltage))
			r.set("Solar Current", num(u.SolarCurrent))
		case steps.KindCloudSave:
			r.set("Cloud Time", elapsed)
			r.set("Cloud Save", pyBool(u.CloudSaved))
		default:
			return nil, errors.Errorf("no log columns for step %q of kind %s", res.Step, res.Kind)
		}
	}
	return r, nil
}

func num(x float64) string { return strconv.FormatFloat(x, 'f', -1, 64) }

func seconds(s float64) string { return num(dsp.Round(s, 4)) }

// pyBool keeps the spelling the production spreadsheets already filter on.
func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
