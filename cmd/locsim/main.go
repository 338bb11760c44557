// Command locsim plays a device against locationd: it logs in and walks a
// straight path, sending one fix per tick.
package main

import (
	"encoding/json"
	"flag"
	"math"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/loctrack/internal/location"
	"nuha.dev/loctrack/internal/source/netsource"
)

const metersPerDegree = 111320.0

type walker struct {
	lat, lon float64
	heading  float64
	step     float64
}

// next advances step meters along heading on a flat local approximation.
func (w *walker) next() {
	rad := w.heading * math.Pi / 180
	w.lat += w.step * math.Cos(rad) / metersPerDegree
	w.lon += w.step * math.Sin(rad) / (metersPerDegree * math.Cos(w.lat*math.Pi/180))
}

func send(c net.Conn, proto byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return netsource.WriteMessage(c, proto, b)
}

func main() {
	debug := flag.Bool("debug", false, "sets log level to debug")
	addr := flag.String("address", "localhost:6000", "locationd device listener")
	serial := flag.String("serial", "sim-0001", "device serial used to log in")
	lat := flag.Float64("lat", -6.2, "starting latitude")
	lon := flag.Float64("lon", 106.816666, "starting longitude")
	heading := flag.Float64("heading", 90, "direction of travel in degrees")
	step := flag.Float64("step", 60, "meters moved per fix")
	count := flag.Int("count", 20, "number of fixes to send, 0 runs forever")
	interval := flag.Duration("interval", time.Second, "time between fixes")
	provider := flag.String("provider", "gps", "provider reported with each fix")
	failAt := flag.Int("fail_at", 0, "report a provider error after this many fixes")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).With().Str("module", "locsim").Logger()

	if _, err := location.ParseProvider(*provider); err != nil {
		log.Fatal().Err(err).Msg("invalid provider")
	}

	c, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatal().Err(err).Str("address", *addr).Msg("dial failed")
	}
	defer c.Close()

	if err := send(c, netsource.LOGIN, netsource.LoginMessage{Serial: *serial, DeviceType: "locsim"}); err != nil {
		log.Fatal().Err(err).Msg("login write failed")
	}
	_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
	ack := make([]byte, 1)
	if _, err := c.Read(ack); err != nil {
		log.Fatal().Err(err).Msg("no login ack")
	}
	if ack[0] != netsource.ACK_OK {
		log.Fatal().Str("serial", *serial).Msg("login rejected")
	}
	log.Info().Str("serial", *serial).Str("address", *addr).Msg("logged in")

	gps := *provider == "gps"
	if err := send(c, netsource.PROVIDER_STATUS, netsource.ProviderMessage{GPS: gps, Network: !gps}); err != nil {
		log.Fatal().Err(err).Msg("provider status write failed")
	}

	w := &walker{lat: *lat, lon: *lon, heading: *heading, step: *step}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for i := 1; *count == 0 || i <= *count; i++ {
		m := netsource.LocationMessage{
			Latitude:  w.lat,
			Longitude: w.lon,
			Accuracy:  5,
			Speed:     *step / interval.Seconds(),
			Heading:   math.Mod(*heading+360, 360),
			Timestamp: time.Now().UnixMilli(),
			Provider:  *provider,
		}
		if err := send(c, netsource.LOCATION_UPDATE, m); err != nil {
			log.Fatal().Err(err).Int("fix", i).Msg("location write failed")
		}
		log.Debug().Int("fix", i).Float64("lat", m.Latitude).Float64("lon", m.Longitude).Msg("sent")
		if *failAt > 0 && i == *failAt {
			if err := send(c, netsource.LOCATION_ERROR, netsource.ErrorMessage{Error: "simulated fix lost"}); err != nil {
				log.Fatal().Err(err).Msg("error write failed")
			}
			log.Info().Int("fix", i).Msg("reported provider error")
		}
		w.next()
		<-ticker.C
	}
	log.Info().Int("count", *count).Msg("done")
}
