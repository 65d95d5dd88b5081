package aggregator

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/sensordash/internal/model/entities"
	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
	"github.com/LeonardoBeccarini/sensordash/internal/services/connection"
	"github.com/LeonardoBeccarini/sensordash/pkg/clock"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingCommander struct {
	mu   sync.Mutex
	cmds []messages.Command
}

func (r *recordingCommander) SendCommand(cmd messages.Command) connection.SendResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return connection.Sent
}

func (r *recordingCommander) kinds() []messages.CommandKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]messages.CommandKind, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c.Kind())
	}
	return out
}

func newTestAggregator(t *testing.T) (*Aggregator, *clock.Fake, *recordingCommander) {
	t.Helper()
	fc := clock.NewFake(t0)
	cmd := &recordingCommander{}
	a := New(cmd, Options{
		Clock:  fc,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return a, fc, cmd
}

func sensor(id string, typ entities.SensorType, zone, room, building string) entities.Sensor {
	return entities.Sensor{
		ID:       id,
		Name:     "Sensor " + id,
		Type:     typ,
		Location: entities.Location{Zone: zone, Room: room, Building: building},
		Status:   entities.StatusNormal,
	}
}

func fixtureSensors() []entities.Sensor {
	return []entities.Sensor{
		sensor("temp-001", entities.TypeTemperature, "oficina", "sala-1", "edificio-A"),
		sensor("hum-001", entities.TypeHumidity, "oficina", "sala-2", "edificio-A"),
		sensor("temp-002", entities.TypeTemperature, "oficina", "sala-1", "edificio-A"),
		sensor("luz-001", entities.TypeLight, "entrada", "recepcion", "edificio-A"),
		sensor("mov-001", entities.TypeMotion, "entrada", "recepcion", "edificio-B"),
	}
}

func in(attempt uint64, ev messages.Event) messages.Inbound {
	return messages.Inbound{AttemptID: attempt, Received: t0, Event: ev}
}

func listEvent(sensors []entities.Sensor) messages.SensorList {
	return messages.SensorList{Sensors: sensors, Timestamp: t0}
}

func readingEvent(id string, status entities.SensorStatus, ts time.Time) messages.SensorReading {
	return messages.SensorReading{Reading: entities.Reading{
		ID:        "lectura-" + id + "-" + ts.Format(time.RFC3339Nano),
		SensorID:  id,
		Type:      entities.TypeTemperature,
		Value:     entities.NumberValue(21.5),
		Unit:      "°C",
		Timestamp: ts,
		Status:    status,
		Location:  entities.Location{Zone: "almacen"},
	}, Timestamp: ts}
}

func errorEvent(id, errorID string, sev entities.Severity, ts time.Time) messages.SensorError {
	return messages.SensorError{Error: entities.SensorError{
		Code:      "SENSOR_TIMEOUT",
		SensorID:  id,
		Message:   "sin respuesta",
		Severity:  sev,
		Timestamp: ts,
		Metadata:  entities.ErrorMetadata{ErrorID: errorID},
	}, Timestamp: ts}
}

func TestConnectionEstablishedRequestsSensorList(t *testing.T) {
	a, _, cmd := newTestAggregator(t)
	a.Apply(in(1, messages.ConnectionEstablished{
		ClientID:   "cliente-42",
		ServerInfo: entities.ServerInfo{Version: "1.0.0", TotalSensors: 5, UpdateIntervalMs: 2000},
	}))

	if a.ClientID() != "cliente-42" {
		t.Fatalf("client id = %q", a.ClientID())
	}
	info, ok := a.ServerInfo()
	if !ok || info.TotalSensors != 5 {
		t.Fatalf("server info = %+v (%v)", info, ok)
	}
	if got := cmd.kinds(); len(got) != 1 || got[0] != messages.CommandListSensors {
		t.Fatalf("commands = %v, want one sensor list request", got)
	}
}

func TestSensorListReplacesSensorsAtomically(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.Apply(in(1, listEvent(fixtureSensors())))
	a.Apply(in(1, listEvent([]entities.Sensor{sensor("luz-001", entities.TypeLight, "entrada", "", "")})))

	if got := a.Totals().Total; got != 1 {
		t.Fatalf("total = %d, want 1 after replacement", got)
	}
	if _, ok := a.Sensor("temp-001"); ok {
		t.Fatal("sensor missing from the new list survived")
	}
}

func TestSensorListIsIdempotent(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.Apply(in(1, readingEvent("temp-001", entities.StatusWarning, t0)))
	a.Apply(in(1, listEvent(fixtureSensors())))
	first := a.Snapshot()
	a.Apply(in(1, listEvent(fixtureSensors())))
	second := a.Snapshot()

	first.EventsApplied, second.EventsApplied = 0, 0
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("snapshot changed after re-applying the same list:\n%+v\n%+v", first, second)
	}
}

func TestListStatusDefaultsToNormal(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	s := sensor("temp-001", entities.TypeTemperature, "oficina", "", "")
	s.Status = ""
	a.Apply(in(1, listEvent([]entities.Sensor{s})))
	if got, _ := a.Sensor("temp-001"); got.Status != entities.StatusNormal {
		t.Fatalf("status = %q, want normal", got.Status)
	}
}

func TestReadingUpdatesStatusAndCreatesProvisionalSensor(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.Apply(in(1, listEvent(fixtureSensors())))
	a.Apply(in(1, readingEvent("temp-001", entities.StatusWarning, t0)))
	a.Apply(in(1, readingEvent("nuevo-001", entities.StatusNormal, t0)))

	if s, _ := a.Sensor("temp-001"); s.Status != entities.StatusWarning {
		t.Fatalf("temp-001 status = %s, want advertencia", s.Status)
	}
	s, ok := a.Sensor("nuevo-001")
	if !ok || !s.Provisional {
		t.Fatalf("unknown sensor = %+v (%v), want provisional entry", s, ok)
	}
	if r, ok := a.LatestReading("nuevo-001"); !ok || r.Value.Float() != 21.5 {
		t.Fatalf("reading for unknown sensor not retained: %+v", r)
	}
	if got := a.Totals().Total; got != 6 {
		t.Fatalf("total = %d, want 6", got)
	}
	for _, zone := range a.ZonesUnique() {
		if zone == "almacen" {
			t.Fatal("provisional sensor leaked into zone rollups")
		}
	}

	// A list that includes the id resolves it.
	a.Apply(in(1, listEvent(append(fixtureSensors(), sensor("nuevo-001", entities.TypeTemperature, "almacen", "", "")))))
	if s, _ := a.Sensor("nuevo-001"); s.Provisional {
		t.Fatal("listed sensor still provisional")
	}
	if _, ok := a.Zone("almacen"); !ok {
		t.Fatal("resolved sensor missing from zone rollups")
	}
}

func TestSensorListReplacesProvisionalEntries(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.Apply(in(1, readingEvent("nuevo-001", entities.StatusNormal, t0)))
	a.Apply(in(1, listEvent(fixtureSensors())))
	if s, ok := a.Sensor("nuevo-001"); ok {
		t.Fatalf("unlisted sensor kept after list: %+v", s)
	}
	if got := a.Totals().Total; got != len(fixtureSensors()) {
		t.Fatalf("total = %d, want %d", got, len(fixtureSensors()))
	}
	if r, ok := a.LatestReading("nuevo-001"); !ok || r.SensorID != "nuevo-001" {
		t.Fatalf("reading of unlisted sensor = %+v (%v)", r, ok)
	}
}

func TestHealthRecoversAfterReconnectWithUnlistedReading(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.ApplyState(messages.StateChangeEvent{AttemptID: 1, State: messages.StateConnected})
	a.Apply(in(1, readingEvent("fantasma-001", entities.StatusNormal, t0)))
	a.Apply(in(1, listEvent(fixtureSensors())))
	a.ApplyState(messages.StateChangeEvent{AttemptID: 1, State: messages.StateDisconnected})
	a.ApplyState(messages.StateChangeEvent{AttemptID: 2, State: messages.StateConnected})
	a.Apply(in(2, listEvent(fixtureSensors())))

	got := a.Totals()
	if got.Total != 5 || got.Active != 5 || got.Health != HealthHealthy {
		t.Fatalf("totals after fresh list = %+v", got)
	}
}

func TestSensorErrorForcesErrorAndIsDeduplicated(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.Apply(in(1, listEvent(fixtureSensors())))

	if !a.Apply(in(1, errorEvent("hum-001", "err-1", entities.SeverityHigh, t0))) {
		t.Fatal("first error not applied")
	}
	if a.Apply(in(1, errorEvent("hum-001", "err-1", entities.SeverityHigh, t0))) {
		t.Fatal("duplicate error applied")
	}
	if got := len(a.Errors()); got != 1 {
		t.Fatalf("errors = %d, want 1", got)
	}
	if s, _ := a.Sensor("hum-001"); s.Status != entities.StatusError {
		t.Fatalf("status = %s, want error", s.Status)
	}

}

func TestSensorErrorForUnknownSensorOnlyRecorded(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.Apply(in(1, listEvent(fixtureSensors())))
	total := a.Totals().Total

	if !a.Apply(in(1, errorEvent("fantasma", "err-x", entities.SeverityLow, t0))) {
		t.Fatal("error for unknown sensor not applied")
	}
	if _, ok := a.Sensor("fantasma"); ok {
		t.Fatal("error created a sensor entry")
	}
	if got := a.Totals().Total; got != total {
		t.Fatalf("total = %d, want %d", got, total)
	}
	errs := a.Errors()
	if len(errs) != 1 || errs[0].SensorID != "fantasma" {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestErrorRingKeepsNewestFirst(t *testing.T) {
	fc := clock.NewFake(t0)
	a := New(nil, Options{Clock: fc, ErrorCapacity: 3, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	for i := 0; i < 5; i++ {
		a.Apply(in(1, errorEvent("temp-001", fmt.Sprintf("e%d", i), entities.SeverityLow, t0.Add(time.Duration(i)*time.Second))))
	}
	errs := a.Errors()
	if len(errs) != 3 {
		t.Fatalf("errors = %d, want 3", len(errs))
	}
	for i, want := range []string{"e4", "e3", "e2"} {
		if errs[i].Metadata.ErrorID != want {
			t.Fatalf("errors[%d] = %s, want %s", i, errs[i].Metadata.ErrorID, want)
		}
	}
}

func TestStatusFollowsLatestEvent(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	rng := rand.New(rand.NewSource(7))
	ids := []string{"temp-001", "hum-001", "temp-002", "luz-001", "mov-001", "nuevo-001"}
	statuses := []entities.SensorStatus{entities.StatusNormal, entities.StatusWarning, entities.StatusError, entities.StatusOffline}

	type want struct {
		status      entities.SensorStatus
		provisional bool
	}
	expected := map[string]want{}

	for step := 0; step < 500; step++ {
		id := ids[rng.Intn(len(ids))]
		ts := t0.Add(time.Duration(step) * time.Second)
		switch rng.Intn(3) {
		case 0:
			list := fixtureSensors()
			next := map[string]want{}
			for i := range list {
				list[i].Status = statuses[rng.Intn(len(statuses))]
				next[list[i].ID] = want{status: list[i].Status}
			}
			expected = next
			a.Apply(in(1, listEvent(list)))
		case 1:
			st := statuses[rng.Intn(len(statuses))]
			w, ok := expected[id]
			expected[id] = want{status: st, provisional: !ok || w.provisional}
			a.Apply(in(1, readingEvent(id, st, ts)))
		case 2:
			if w, ok := expected[id]; ok {
				expected[id] = want{status: entities.StatusError, provisional: w.provisional}
			}
			a.Apply(in(1, errorEvent(id, fmt.Sprintf("err-%d", step), entities.SeverityMedium, ts)))
		}

		for k, w := range expected {
			got, ok := a.Sensor(k)
			if !ok || got.Status != w.status || got.Provisional != w.provisional {
				t.Fatalf("step %d: sensor %s = %+v (%v), want %+v", step, k, got, ok, w)
			}
		}
		if got := a.Totals().Total; got != len(expected) {
			t.Fatalf("step %d: total = %d, want %d", step, got, len(expected))
		}
	}
}

func TestDisconnectForcesOfflineAndStaleEventsAreDiscarded(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.ApplyState(messages.StateChangeEvent{AttemptID: 1, State: messages.StateConnected})
	a.Apply(in(1, listEvent(fixtureSensors())))

	a.ApplyState(messages.StateChangeEvent{AttemptID: 1, State: messages.StateFaulted})
	for _, s := range a.Sensors() {
		if s.Status != entities.StatusOffline {
			t.Fatalf("%s status = %s, want offline", s.ID, s.Status)
		}
	}
	if got := a.Totals(); got.Active != 0 || got.Health != HealthNormal {
		t.Fatalf("totals = %+v, want no active sensors", got)
	}

	a.ApplyState(messages.StateChangeEvent{AttemptID: 2, State: messages.StateConnecting})
	if a.Apply(in(1, readingEvent("temp-001", entities.StatusNormal, t0))) {
		t.Fatal("event from a previous attempt applied")
	}
	if s, _ := a.Sensor("temp-001"); s.Status != entities.StatusOffline {
		t.Fatalf("stale reading changed status to %s", s.Status)
	}
	if !a.Apply(in(2, readingEvent("temp-001", entities.StatusNormal, t0))) {
		t.Fatal("event from the current attempt rejected")
	}
}

func TestHandleDispatchesNotifications(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.Handle(messages.StateChangeEvent{AttemptID: 3, State: messages.StateConnected})
	a.Handle(in(3, listEvent(fixtureSensors())))
	a.Handle(in(3, messages.Pong{Timestamp: t0}))

	snap := a.Snapshot()
	if snap.ConnectionState != messages.StateConnected || snap.Totals.Total != 5 || snap.LastPong.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestServerStatsAndServerErrorDoNotTouchSensors(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.Apply(in(1, listEvent(fixtureSensors())))
	before := a.Sensors()

	a.Apply(in(1, messages.ServerStats{Stats: entities.ServerStats{TotalConnections: 9, ActiveSensors: 5}}))
	a.Apply(in(1, messages.ServerError{Code: "TIPO_MENSAJE_DESCONOCIDO", Message: "tipo desconocido", Severity: entities.SeverityLow}))

	if !reflect.DeepEqual(before, a.Sensors()) {
		t.Fatal("server stats or server error changed sensors")
	}
	if st, ok := a.ServerStats(); !ok || st.TotalConnections != 9 {
		t.Fatalf("server stats = %+v (%v)", st, ok)
	}
	if se, ok := a.LastServerError(); !ok || se.Code != "TIPO_MENSAJE_DESCONOCIDO" {
		t.Fatalf("last server error = %+v (%v)", se, ok)
	}
}

func TestSensorHistoryNewestFirstWithLimit(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	for i := 0; i < 5; i++ {
		a.Apply(in(1, readingEvent("temp-001", entities.StatusNormal, t0.Add(time.Duration(i)*time.Minute))))
	}
	h := a.SensorHistory("temp-001", 3)
	if len(h) != 3 {
		t.Fatalf("history = %d, want 3", len(h))
	}
	if !h[0].Timestamp.Equal(t0.Add(4*time.Minute)) || !h[2].Timestamp.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("history order = %s .. %s", h[0].Timestamp, h[2].Timestamp)
	}
	if got := len(a.SensorHistory("temp-001", 0)); got != 5 {
		t.Fatalf("default limit history = %d, want 5", got)
	}
	if a.SensorHistory("nada", 10) != nil {
		t.Fatal("history for unknown sensor")
	}
}

func TestSweepRetentionRemovesOldRecords(t *testing.T) {
	a, fc, _ := newTestAggregator(t)
	old := t0.Add(-8 * 24 * time.Hour)
	a.Apply(in(1, readingEvent("temp-001", entities.StatusNormal, old)))
	a.Apply(in(1, readingEvent("hum-001", entities.StatusNormal, t0)))
	a.Apply(in(1, errorEvent("temp-001", "viejo", entities.SeverityLow, old)))
	a.Apply(in(1, errorEvent("hum-001", "nuevo", entities.SeverityLow, t0)))

	readings, errs := a.SweepRetention(fc.Now())
	if readings != 1 || errs != 1 {
		t.Fatalf("removed readings=%d errors=%d, want 1 and 1", readings, errs)
	}
	if _, ok := a.LatestReading("temp-001"); ok {
		t.Fatal("old reading survived the sweep")
	}
	if got := a.SensorHistory("temp-001", 0); len(got) != 0 {
		t.Fatalf("old history survived: %d", len(got))
	}
	if _, ok := a.Sensor("temp-001"); !ok {
		t.Fatal("sweep deleted sensor info")
	}
	if got := len(a.Errors()); got != 1 {
		t.Fatalf("errors = %d, want 1", got)
	}
}

func TestResetAndResync(t *testing.T) {
	a, _, cmd := newTestAggregator(t)
	a.Apply(in(1, messages.ConnectionEstablished{ClientID: "c1"}))
	a.Apply(in(1, listEvent(fixtureSensors())))
	a.Apply(in(1, errorEvent("temp-001", "e1", entities.SeverityHigh, t0)))

	if res := a.Resync(); res != connection.Sent {
		t.Fatalf("resync result = %s", res)
	}
	snap := a.Snapshot()
	if snap.Totals.Total != 0 || snap.ClientID != "" || len(a.Errors()) != 0 || snap.ServerInfo != nil {
		t.Fatalf("state not cleared: %+v", snap)
	}
	kinds := cmd.kinds()
	if len(kinds) != 2 || kinds[1] != messages.CommandListSensors {
		t.Fatalf("commands = %v", kinds)
	}

	// Dedup memory is cleared too.
	if !a.Apply(in(1, errorEvent("temp-001", "e1", entities.SeverityHigh, t0))) {
		t.Fatal("error id remembered across reset")
	}
}

func TestCommandsWithoutCommanderAreDropped(t *testing.T) {
	a := New(nil, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if res := a.SubscribeSensor("temp-001"); res != connection.Dropped {
		t.Fatalf("result = %s, want dropped", res)
	}
	if res := a.RequestServerStats(); res != connection.Dropped {
		t.Fatalf("result = %s, want dropped", res)
	}
}
