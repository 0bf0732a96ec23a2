// Package device holds the device-side runtime: simulated sensor
// sources for the telemetry path, management object models, and the
// supervisor that joins both engines over one broker connection.
package device

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/telefabric/telefabric/sparkplug"
)

// simSource generates plausible industrial readings for one device.
// Values follow slow process cycles with gaussian noise so dashboards
// look alive without being random walks.
type simSource struct {
	deviceType string
	deviceID   string
	start      time.Time

	mu        sync.Mutex
	rng       *rand.Rand
	totalizer float64
	level     float64
}

// NewSensorSource builds a simulated source for a device type. Unknown
// types get a generic two-channel sensor.
func NewSensorSource(deviceType, deviceID string) sparkplug.SensorSource {
	return &simSource{
		deviceType: deviceType,
		deviceID:   deviceID,
		start:      time.Now(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		level:      50,
	}
}

// BirthMetrics announces the full schema: identity metrics plus one
// sample of every channel the device will ever publish.
func (s *simSource) BirthMetrics(now time.Time) []sparkplug.Metric {
	ts := now.UnixMilli()
	out := []sparkplug.Metric{
		mustMetric("Device/Type", sparkplug.DataTypeString, ts, s.deviceType),
		mustMetric("Device/Model", sparkplug.DataTypeString, ts, "SimDevice-"+s.deviceType),
		mustMetric("Device/ID", sparkplug.DataTypeString, ts, s.deviceID),
	}
	return append(out, s.Sample(now)...)
}

// Sample returns the current channel values.
func (s *simSource) Sample(now time.Time) []sparkplug.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now.UnixMilli()
	elapsed := now.Sub(s.start).Seconds()

	switch s.deviceType {
	case "temperature_sensor":
		temp, humidity := s.temperature(elapsed)
		return append(s.commonChannels(ts, elapsed),
			mustMetric("Sensors/Temperature", sparkplug.DataTypeDouble, ts, temp),
			mustMetric("Sensors/Humidity", sparkplug.DataTypeDouble, ts, humidity),
			s.batteryHealth(ts, elapsed),
		)

	case "pressure_sensor":
		pressure, differential := s.pressure(elapsed)
		health := "NORMAL"
		if pressure < 1.0 {
			health = "LOW_PRESSURE"
		}
		return append(s.commonChannels(ts, elapsed),
			mustMetric("Sensors/Pressure", sparkplug.DataTypeDouble, ts, pressure),
			mustMetric("Sensors/DifferentialPressure", sparkplug.DataTypeDouble, ts, differential),
			mustMetric("Status/DeviceHealth", sparkplug.DataTypeString, ts, health),
		)

	case "flow_sensor":
		flow := s.flow(elapsed)
		s.totalizer += flow / 60
		health := "NORMAL"
		if flow <= 0 {
			health = "NO_FLOW"
		}
		return append(s.commonChannels(ts, elapsed),
			mustMetric("Sensors/FlowRate", sparkplug.DataTypeDouble, ts, flow),
			mustMetric("Sensors/Totalizer", sparkplug.DataTypeDouble, ts, s.totalizer),
			mustMetric("Status/DeviceHealth", sparkplug.DataTypeString, ts, health),
		)

	case "level_sensor":
		s.level = clamp(s.level+s.rng.NormFloat64()*2, 5, 95)
		health := "NORMAL"
		if s.level <= 10 || s.level >= 90 {
			health = "LEVEL_ALARM"
		}
		return append(s.commonChannels(ts, elapsed),
			mustMetric("Sensors/Level", sparkplug.DataTypeDouble, ts, s.level),
			mustMetric("Sensors/LevelSecondary", sparkplug.DataTypeDouble, ts, s.level+s.rng.NormFloat64()*0.8),
			mustMetric("Status/DeviceHealth", sparkplug.DataTypeString, ts, health),
		)

	case "pump_monitor":
		pressure, _ := s.pressure(elapsed)
		speed := 1750 + 100*math.Sin(elapsed/30) + s.rng.NormFloat64()*25
		power := 15.5 + pressure*0.8 + s.rng.NormFloat64()*0.5
		efficiency := clamp(85-elapsed/86400*0.1, 65, 95)
		health := "NORMAL"
		if efficiency <= 70 {
			health = "MAINTENANCE_REQUIRED"
		}
		x, y, z := s.vibration(elapsed)
		return []sparkplug.Metric{
			mustMetric("Pump/Speed", sparkplug.DataTypeDouble, ts, speed),
			mustMetric("Pump/PowerConsumption", sparkplug.DataTypeDouble, ts, power),
			mustMetric("Pump/Efficiency", sparkplug.DataTypeDouble, ts, efficiency),
			mustMetric("Pump/DischargePressure", sparkplug.DataTypeDouble, ts, pressure),
			mustMetric("Vibration/X", sparkplug.DataTypeDouble, ts, x),
			mustMetric("Vibration/Y", sparkplug.DataTypeDouble, ts, y),
			mustMetric("Vibration/Z", sparkplug.DataTypeDouble, ts, z),
			mustMetric("Device/Uptime", sparkplug.DataTypeUInt64, ts, uint64(elapsed)),
			mustMetric("Status/DeviceHealth", sparkplug.DataTypeString, ts, health),
		}

	case "compressor_monitor":
		suction, _ := s.pressure(elapsed)
		discharge := suction*4 + s.rng.NormFloat64()*0.2
		temp, _ := s.temperature(elapsed)
		oilTemp := temp + 25 + s.rng.NormFloat64()*2
		health := "NORMAL"
		if oilTemp >= 85 {
			health = "HIGH_TEMPERATURE"
		}
		x, y, z := s.vibration(elapsed)
		return []sparkplug.Metric{
			mustMetric("Compressor/DischargePressure", sparkplug.DataTypeDouble, ts, discharge),
			mustMetric("Compressor/CompressionRatio", sparkplug.DataTypeDouble, ts, discharge/math.Max(suction, 0.1)),
			mustMetric("Compressor/OilTemperature", sparkplug.DataTypeDouble, ts, oilTemp),
			mustMetric("Compressor/LoadFactor", sparkplug.DataTypeDouble, ts, 45+35*math.Sin(elapsed/120)+s.rng.NormFloat64()*5),
			mustMetric("Vibration/X", sparkplug.DataTypeDouble, ts, x),
			mustMetric("Vibration/Y", sparkplug.DataTypeDouble, ts, y),
			mustMetric("Vibration/Z", sparkplug.DataTypeDouble, ts, z),
			mustMetric("Device/Uptime", sparkplug.DataTypeUInt64, ts, uint64(elapsed)),
			mustMetric("Status/DeviceHealth", sparkplug.DataTypeString, ts, health),
		}

	case "motor_monitor":
		temp, _ := s.temperature(elapsed)
		bearing := temp + 15 + s.rng.NormFloat64()*1.5
		health := "NORMAL"
		if bearing >= 75 {
			health = "BEARING_OVERHEATING"
		}
		x, y, z := s.vibration(elapsed)
		return []sparkplug.Metric{
			mustMetric("Motor/Current", sparkplug.DataTypeDouble, ts, 8.2+2.1*math.Sin(elapsed/45)+s.rng.NormFloat64()*0.3),
			mustMetric("Motor/Voltage", sparkplug.DataTypeDouble, ts, 380+15*math.Sin(elapsed/60)+s.rng.NormFloat64()*2),
			mustMetric("Motor/PowerFactor", sparkplug.DataTypeDouble, ts, 0.85+0.1*math.Sin(elapsed/90)+s.rng.NormFloat64()*0.02),
			mustMetric("Motor/BearingTemperature", sparkplug.DataTypeDouble, ts, bearing),
			mustMetric("Vibration/X", sparkplug.DataTypeDouble, ts, x),
			mustMetric("Vibration/Y", sparkplug.DataTypeDouble, ts, y),
			mustMetric("Vibration/Z", sparkplug.DataTypeDouble, ts, z),
			mustMetric("Device/Uptime", sparkplug.DataTypeUInt64, ts, uint64(elapsed)),
			mustMetric("Status/DeviceHealth", sparkplug.DataTypeString, ts, health),
		}

	default:
		return append(s.commonChannels(ts, elapsed),
			mustMetric("Sensors/PrimaryValue", sparkplug.DataTypeDouble, ts, 50+25*math.Sin(elapsed/30)),
			mustMetric("Sensors/SecondaryValue", sparkplug.DataTypeDouble, ts, 25+10*math.Cos(elapsed/45)),
			s.batteryHealth(ts, elapsed),
		)
	}
}

// commonChannels covers the battery, uptime, and radio channels every
// field sensor reports. The battery-derived health metric rides along
// unless the caller replaces it with a process-specific one.
func (s *simSource) commonChannels(ts int64, elapsed float64) []sparkplug.Metric {
	battery := clamp(100-elapsed/3600*0.5+s.rng.NormFloat64(), 0, 100)
	return []sparkplug.Metric{
		mustMetric("Battery/Level", sparkplug.DataTypeDouble, ts, battery),
		mustMetric("Battery/Voltage", sparkplug.DataTypeDouble, ts, 3.0+battery/100*1.2+s.rng.NormFloat64()*0.05),
		mustMetric("Device/Uptime", sparkplug.DataTypeUInt64, ts, uint64(elapsed)),
		mustMetric("Network/RSSI", sparkplug.DataTypeFloat, ts, float32(-65+s.rng.NormFloat64()*3)),
		mustMetric("Network/PacketLoss", sparkplug.DataTypeInt32, ts, int32(s.rng.Intn(2))),
	}
}

func (s *simSource) batteryHealth(ts int64, elapsed float64) sparkplug.Metric {
	battery := clamp(100-elapsed/3600*0.5, 0, 100)
	health := "NORMAL"
	if battery <= 20 {
		health = "LOW_BATTERY"
	}
	return mustMetric("Status/DeviceHealth", sparkplug.DataTypeString, ts, health)
}

func (s *simSource) temperature(elapsed float64) (temp, humidity float64) {
	daily := 3 * math.Sin(elapsed/3600*math.Pi/12)
	temp = 22 + daily + s.rng.NormFloat64()*0.8
	humidity = clamp(75-(temp-22)*1.5+s.rng.NormFloat64()*3, 20, 95)
	return
}

func (s *simSource) pressure(elapsed float64) (pressure, differential float64) {
	cycle := 1.5 * math.Sin(elapsed/300)
	pressure = math.Max(0.1, 4.5+cycle+s.rng.NormFloat64()*0.3)
	differential = 0.8 + 0.4*math.Abs(cycle)/1.5 + s.rng.NormFloat64()*0.05
	return
}

func (s *simSource) flow(elapsed float64) float64 {
	demand := 0.4 + 0.2*s.rng.Float64()
	pumpCycle := 1 + 0.3*math.Sin(elapsed/180)
	return math.Max(0, 25*demand*pumpCycle+s.rng.NormFloat64()*1.5)
}

func (s *simSource) vibration(elapsed float64) (x, y, z float64) {
	aging := 1 + elapsed/86400*0.02
	base := 2.5 * aging
	x = base + 0.5*math.Sin(elapsed*2*math.Pi) + s.rng.NormFloat64()*0.3
	y = base + 0.3*math.Sin(elapsed*4*math.Pi) + s.rng.NormFloat64()*0.3
	z = base*0.7 + s.rng.NormFloat64()*0.2
	return
}

// mustMetric panics only on a programmer error: a value whose Go type
// does not match the declared datatype.
func mustMetric(name string, dt sparkplug.DataType, ts int64, value interface{}) sparkplug.Metric {
	m, err := sparkplug.NewMetric(name, dt, ts, value)
	if err != nil {
		panic(err)
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
