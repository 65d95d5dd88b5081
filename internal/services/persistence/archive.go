package persistence

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
)

// ArchivedReading is one reading read back from the archive.
type ArchivedReading struct {
	SensorID string    `json:"sensorId"`
	Zone     string    `json:"zona,omitempty"`
	Value    float64   `json:"valor"`
	Time     time.Time `json:"timestamp"`
}

type ArchiveQuery struct {
	SensorID string
	Minutes  int
	Limit    int
}

// ParseArchiveQuery reads sensor, minutes and limit from the query string,
// clamping them to sane bounds.
func ParseArchiveQuery(r *http.Request) ArchiveQuery {
	q := r.URL.Query()
	get := func(k string, def, min, max int) int {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if n < min {
					return min
				}
				if n > max {
					return max
				}
				return n
			}
		}
		return def
	}
	return ArchiveQuery{
		SensorID: strings.TrimSpace(q.Get("sensor")),
		Minutes:  get("minutes", 60*24, 1, 7*24*60),
		Limit:    get("limit", 100, 1, 1000),
	}
}

func buildReadingsFlux(bucket string, q ArchiveQuery) string {
	sensorFilter := ""
	if q.SensorID != "" {
		sensorFilter = fmt.Sprintf("\n  |> filter(fn: (r) => r.sensor_id == %q)", q.SensorID)
	}
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q and r._field == "value")%s
  |> group()
  |> keep(columns: ["_time","_value","sensor_id","zone"])
  |> sort(columns: ["_time"], desc: true)
  |> limit(n:%d)
`, bucket, q.Minutes, MeasurementReading, sensorFilter, q.Limit)
}

// Archive queries readings written by the sink.
type Archive struct {
	query  api.QueryAPI
	bucket string
}

func NewArchive(q api.QueryAPI, bucket string) *Archive {
	return &Archive{query: q, bucket: bucket}
}

func (a *Archive) Readings(ctx context.Context, q ArchiveQuery) ([]ArchivedReading, error) {
	res, err := a.query.Query(ctx, buildReadingsFlux(a.bucket, q))
	if err != nil {
		return nil, fmt.Errorf("archive query: %w", err)
	}
	defer res.Close()

	out := make([]ArchivedReading, 0, q.Limit)
	for res.Next() {
		rec := res.Record()
		ar := ArchivedReading{Value: toFloat(rec.Value()), Time: rec.Time().UTC()}
		if v, ok := rec.ValueByKey("sensor_id").(string); ok {
			ar.SensorID = v
		}
		if v, ok := rec.ValueByKey("zone").(string); ok {
			ar.Zone = v
		}
		out = append(out, ar)
	}
	if err := res.Err(); err != nil {
		return out, fmt.Errorf("archive iterate: %w", err)
	}
	return out, nil
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case bool:
		if x {
			return 1
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return 0
}
