// Command mount_logger copies mountd's websocket status stream into InfluxDB.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/influxdata/influxdb-client-go/api/write"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"github.com/w1xm/mount_interface/internal/logging"
)

var (
	influxServer = flag.String("influx", envOr("INFLUX_SERVER", "http://localhost:9999"), "InfluxDB server URL")
	org          = flag.String("org", "w1xm", "InfluxDB organization")
	bucket       = flag.String("bucket", "mount.raw", "InfluxDB bucket")
	mountdURL    = flag.String("mountd", envOr("MOUNTD_ADDRESS", "ws://localhost:8502/api/ws"), "mountd websocket URL")
	logLevel     = flag.String("log_level", "info", "log level")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Parse()
	logging.Init("mount_logger", *logLevel)

	// Create client
	client := influxdb2.NewClient(*influxServer, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(*org, *bucket)
	defer writeApi.Close()
	// Get errors channel
	errorsCh := writeApi.Errors()
	// Create go proc for reading and logging errors
	go func() {
		for err := range errorsCh {
			log.Printf("write error: %v", err)
		}
	}()
	for {
		if err := logData(writeApi, *mountdURL); err != nil {
			log.Print(err)
		}
		time.Sleep(1 * time.Second)
	}
}

func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	case nil:
	default:
		if prefix != "" {
			fields[prefix[1:]] = status
		}
	}
}

type event struct {
	Type   string          `json:"type"`
	Status json.RawMessage `json:"status"`
	Log    *struct {
		Time    time.Time `json:"time"`
		Message string    `json:"message"`
	} `json:"log"`
}

// point converts one websocket event into an InfluxDB point, or nil if the
// event carries nothing to record.
func point(data []byte, now time.Time) (*write.Point, error) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	switch ev.Type {
	case "status":
		var status interface{}
		if err := json.Unmarshal(ev.Status, &status); err != nil {
			return nil, err
		}
		fields := make(map[string]interface{})
		flattenStatus(fields, status, "")
		if len(fields) == 0 {
			return nil, nil
		}
		return influxdb2.NewPoint("mount.status", nil, fields, now), nil
	case "log":
		if ev.Log == nil {
			return nil, nil
		}
		return influxdb2.NewPoint("mount.log", nil, map[string]interface{}{"message": ev.Log.Message}, ev.Log.Time), nil
	}
	return nil, nil
}

func logData(writeApi api.WriteApi, url string) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Str("url", url).Msg("connected to mountd")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		p, err := point(data, time.Now())
		if err != nil {
			log.Warn().Err(err).Msg("skipping event")
			continue
		}
		if p != nil {
			// write asynchronously
			writeApi.WritePoint(p)
		}
	}
}
