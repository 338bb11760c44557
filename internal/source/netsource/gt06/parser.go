package gt06

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/loctrack/internal/location"
)

const (
	LOGIN                   byte = 0x01
	GPS                     byte = 0x12
	STATUS_INFORMATION      byte = 0x13
	STRING_INFORMATION      byte = 0x15 // command response, gt06
	GPS_ALARM               byte = 0x16
	GPS_INFO                byte = 0x1A
	GK310_GPS               byte = 0x22
	GK310_GPS_ALARM         byte = 0x26
	SERVER_COMMAND          byte = 0x80
	SERVER_COMMAND_RESPONSE byte = 0x21 // command response, gk310
	TIME_CHECK              byte = 0x8A
	INFORMATION_TX_PACKET   byte = 0x94
)

var errShortPayload = errors.New("gt06 payload too short")

const (
	gpsPartLen = 18
	lbsPartLen = 8
)

type LoginMessage struct {
	IMEI          string
	TimeOffset    time.Duration
	HasTimeOffset bool
	TypeID        [2]byte
}

// Zone is the device clock's zone as announced at login; UTC without one.
func (m *LoginMessage) Zone() *time.Location {
	if !m.HasTimeOffset {
		return time.UTC
	}
	return time.FixedZone("device", int(m.TimeOffset.Seconds()))
}

func ParseLoginMessage(d []byte) (LoginMessage, error) {
	m := LoginMessage{}
	if len(d) < 8 {
		return m, errShortPayload
	}
	m.IMEI = hex.EncodeToString(d[:8])
	if len(d) >= 10 {
		copy(m.TypeID[:], d[8:10])
	}
	if len(d) >= 12 {
		m.HasTimeOffset = true
		// 12 bit value, hours*100 + minutes, bit 3 of the low byte marks west
		v := (uint16(d[10]) << 4) + (uint16(d[11]) >> 4)
		m.TimeOffset = time.Duration(v/100)*time.Hour + time.Duration(v%100)*time.Minute
		if d[11]&0b00001000 != 0 {
			m.TimeOffset = -m.TimeOffset
		}
	}
	return m, nil
}

type StatusInfo struct {
	Arm          bool
	ACC          bool
	EngineDisc   bool
	Charging     bool
	AlarmCode    int
	AltAlarmCode int
	Language     int
	GPS          bool
	Voltage      int
	GSMSignal    int
}

func (s *StatusInfo) MarshalObject(e *log.Entry) {
	e.Bool("acc", s.ACC).Int("voltage", s.Voltage).Int("signal", s.GSMSignal).Bool("engine_disc", s.EngineDisc).Bool("charging", s.Charging).Bool("gps", s.GPS)
}

func ParseStatusInformation(d []byte) (StatusInfo, error) {
	m := StatusInfo{}
	if len(d) < 5 {
		return m, errShortPayload
	}
	m.EngineDisc = d[0]&0b10000000 != 0
	m.GPS = d[0]&0b01000000 != 0
	m.AlarmCode = int(d[0]&0b00111000) >> 3
	m.Charging = d[0]&0b00000100 != 0
	m.ACC = d[0]&0b00000010 != 0
	m.Arm = d[0]&0b00000001 != 0
	m.Voltage = int(d[1])
	m.GSMSignal = int(d[2])
	m.AltAlarmCode = int(d[3])
	m.Language = int(d[4])
	return m, nil
}

// Position is the gps and cell part shared by every location packet.
type Position struct {
	Timestamp    time.Time
	Latitude     float64
	Longitude    float64
	Course       uint16
	SatCount     int
	Speed        float64 // m/s
	MCC          int
	MNC          int
	LAC          int
	CellID       int
	Differential bool
	Positioned   bool
}

// Sample converts the fix. Trackers report no accuracy, so it is left 0.
func (p *Position) Sample() location.Sample {
	return location.Sample{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Speed:     p.Speed,
		Heading:   float64(p.Course % 360),
		Timestamp: p.Timestamp.UnixMilli(),
		Provider:  location.ProviderGPS,
	}
}

func (p *Position) MarshalObject(e *log.Entry) {
	e.Float64("lat", p.Latitude).Float64("lon", p.Longitude).Int("sat", p.SatCount).Bool("positioned", p.Positioned).Time("gps_time", p.Timestamp)
}

// IsPosition reports whether protocol carries a Position.
func IsPosition(protocol byte) bool {
	switch protocol {
	case GPS, GPS_ALARM, GK310_GPS, GK310_GPS_ALARM:
		return true
	}
	return false
}

// ParsePosition decodes a location packet. gt06 packets are stamped in the
// device zone, gk310 ones in UTC. Alarm packets also return the status
// block they carry.
func ParsePosition(protocol byte, d []byte, zone *time.Location) (Position, *StatusInfo, error) {
	var p Position
	switch protocol {
	case GPS, GK310_GPS:
		if len(d) < gpsPartLen+lbsPartLen {
			return p, nil, errShortPayload
		}
		if protocol == GK310_GPS {
			zone = time.UTC
		}
		parseGPSPart(d, zone, &p)
		parseLBSPart(d[gpsPartLen:], &p)
		return p, nil, nil
	case GPS_ALARM, GK310_GPS_ALARM:
		// gps, lbs length byte, lbs, status
		if len(d) < gpsPartLen+1+lbsPartLen+5 {
			return p, nil, errShortPayload
		}
		if protocol == GK310_GPS_ALARM {
			zone = time.UTC
		}
		parseGPSPart(d, zone, &p)
		parseLBSPart(d[gpsPartLen+1:], &p)
		st, err := ParseStatusInformation(d[gpsPartLen+1+lbsPartLen:])
		if err != nil {
			return p, nil, err
		}
		return p, &st, nil
	}
	return p, nil, errors.New("not a position packet")
}

func parseGPSPart(d []byte, l *time.Location, m *Position) {
	m.Timestamp = time.Date(int(d[0])+2000, time.Month(d[1]), int(d[2]), int(d[3]), int(d[4]), int(d[5]), 0, l)
	m.SatCount = int(d[6] & 0x0F)
	lat := float64(binary.BigEndian.Uint32(d[7:11])) / 1800000
	lon := float64(binary.BigEndian.Uint32(d[11:15])) / 1800000
	m.Speed = float64(d[15]) * 1000 / 3600 // km/h
	isNorth := d[16]&0b00000100 != 0
	isWest := d[16]&0b00001000 != 0
	if isNorth {
		m.Latitude = lat
	} else {
		m.Latitude = -lat
	}
	if isWest {
		m.Longitude = -lon
	} else {
		m.Longitude = lon
	}
	m.Differential = d[16]&0b00100000 != 0
	m.Positioned = d[16]&0b00010000 != 0
	m.Course = binary.BigEndian.Uint16([]byte{d[16] & 0b00000011, d[17]})
}

func parseLBSPart(d []byte, m *Position) {
	m.MCC = int(binary.BigEndian.Uint16(d[0:2]))
	m.MNC = int(d[2])
	m.LAC = int(binary.BigEndian.Uint16(d[3:5]))
	m.CellID = int(binary.BigEndian.Uint32(append([]byte{0}, d[5:8]...)))
}

type CommandResponse struct {
	ServerFlag uint32
	Message    string
}

func ParseCommandResponse(protocol byte, d []byte) (CommandResponse, error) {
	m := CommandResponse{}
	switch protocol {
	case SERVER_COMMAND_RESPONSE:
		if len(d) < 5 {
			return m, errShortPayload
		}
		m.ServerFlag = binary.BigEndian.Uint32(d[:4])
		m.Message = string(d[5:])
	default:
		if len(d) < 7 {
			return m, errShortPayload
		}
		m.ServerFlag = binary.BigEndian.Uint32(d[1:5])
		m.Message = string(d[5 : len(d)-2])
	}
	return m, nil
}

// LoginOK acknowledges a login frame.
func LoginOK(serial int) []byte {
	return NewFrame(LOGIN, []byte{}, serial)
}

// Ack echoes an empty packet of the same protocol, used for heartbeats.
func Ack(protocol byte, serial int) []byte {
	return NewFrame(protocol, []byte{}, serial)
}

// TimeResponse answers a time check with t in UTC.
func TimeResponse(t time.Time, serial int) []byte {
	t = t.UTC()
	payload := []byte{byte(t.Year() % 100), byte(t.Month()), byte(t.Day()), byte(t.Hour()), byte(t.Minute()), byte(t.Second())}
	return NewFrame(TIME_CHECK, payload, serial)
}
