package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/alikalatearabi/opera-qc-elastic/internal/db"
	"github.com/alikalatearabi/opera-qc-elastic/internal/dedup"
	"github.com/alikalatearabi/opera-qc-elastic/internal/logger"
	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
	"github.com/alikalatearabi/opera-qc-elastic/internal/queue"
	"github.com/alikalatearabi/opera-qc-elastic/internal/store"
	"github.com/alikalatearabi/opera-qc-elastic/internal/types"
)

type testEnv struct {
	db     *gorm.DB
	store  *store.GormStore
	intake *queue.Queue
	gate   *dedup.MemoryGate
	clock  time.Time
	srv    *Server
}

func quietLogger() *logger.Logger {
	return logger.NewWithOptions(logger.Options{Environment: "test", Level: "error", Output: io.Discard})
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb, err := db.Connect(db.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		db:     gdb,
		store:  store.NewGormStore(gdb),
		intake: queue.New(gdb, queue.Intake, queue.Options{MaxAttempts: 3}),
		clock:  time.Date(2025, 2, 9, 10, 0, 0, 0, time.UTC),
	}
	env.gate = dedup.NewMemoryGate(dedup.DefaultTTL).WithClock(func() time.Time { return env.clock })

	log := quietLogger()
	srv, err := New(Options{
		DB:       gdb,
		Store:    env.store,
		Ingestor: NewIngestor(env.gate, env.intake, time.UTC, log),
		Logger:   log,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.srv = srv
	return env
}

func validEvent() map[string]interface{} {
	return map[string]interface{}{
		"type":           "incoming",
		"source_channel": "SIP/shatel-out",
		"source_number":  "09123456789",
		"queue":          "400",
		"dest_channel":   "SIP/201",
		"dest_number":    "201",
		"date":           "1403-11-21 10:29:13",
		"duration":       "00:01:25",
		"filename":       "14031121-102913-09123456789-201.wav",
	}
}

func (e *testEnv) post(t *testing.T, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		if raw, err = json.Marshal(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/api/event/sessionReceived", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return e.do(t, req)
}

func (e *testEnv) get(t *testing.T, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	return e.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s: %v", w.Body.String(), err)
		}
	}
	return w, env
}

func (e *testEnv) jobCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := e.db.Model(&models.Job{}).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func dataMap(t *testing.T, env envelope) map[string]interface{} {
	t.Helper()
	m, ok := env.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data = %#v, want object", env.Data)
	}
	return m
}

func TestNew_RequiresDB(t *testing.T) {
	_, err := New(Options{})
	if err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w, _ := env.get(t, "/healthz")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID response header")
	}
}

func TestSessionReceived_Accepted(t *testing.T) {
	env := newTestEnv(t)
	w, resp := env.post(t, validEvent())
	if w.Code != http.StatusOK || !resp.Success || resp.StatusCode != http.StatusOK {
		t.Fatalf("response = %d %s", w.Code, w.Body.String())
	}
	data := dataMap(t, resp)
	if data["status"] != "waiting" || data["processed"] != true || data["type"] != "incoming" {
		t.Errorf("data = %v", data)
	}
	id, _ := data["jobId"].(string)
	job, err := queue.Get(context.Background(), env.db, id)
	if err != nil {
		t.Fatalf("job %q not stored: %v", id, err)
	}
	if job.Queue != queue.Intake || job.Name != types.JobProcessSession {
		t.Errorf("job = %s/%s", job.Queue, job.Name)
	}
	var payload types.IntakeJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Type != "incoming" || payload.Event.Filename != "14031121-102913-09123456789-201.wav" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSessionReceived_MissingFields(t *testing.T) {
	env := newTestEnv(t)
	ev := validEvent()
	delete(ev, "filename")
	ev["dest_number"] = ""

	w, resp := env.post(t, ev)
	if w.Code != http.StatusBadRequest || resp.Success || resp.Message != "Missing required fields" {
		t.Fatalf("response = %d %s", w.Code, w.Body.String())
	}
	missing, _ := dataMap(t, resp)["missing"].([]interface{})
	if len(missing) != 2 {
		t.Errorf("missing = %v", missing)
	}
	if n := env.jobCount(t); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
}

func TestSessionReceived_InvalidDate(t *testing.T) {
	env := newTestEnv(t)
	ev := validEvent()
	ev["date"] = "not a date"

	w, _ := env.post(t, ev)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if n := env.jobCount(t); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
	// The rejected delivery must not block a corrected one.
	if w, _ := env.post(t, validEvent()); w.Code != http.StatusOK || env.jobCount(t) != 1 {
		t.Errorf("corrected event: status %d, jobs %d", w.Code, env.jobCount(t))
	}
}

func TestSessionReceived_BadJSON(t *testing.T) {
	env := newTestEnv(t)
	w, resp := env.post(t, "{not json")
	if w.Code != http.StatusBadRequest || resp.Message != "Invalid request body" {
		t.Errorf("response = %d %s", w.Code, w.Body.String())
	}
}

func TestSessionReceived_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	body := `{"type":"incoming","msg":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	w, _ := env.post(t, body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestSessionReceived_NonIncoming(t *testing.T) {
	env := newTestEnv(t)
	ev := validEvent()
	ev["type"] = "outgoing"

	w, resp := env.post(t, ev)
	if w.Code != http.StatusOK || resp.Message != "Non-incoming call received. No processing performed." {
		t.Fatalf("response = %d %s", w.Code, w.Body.String())
	}
	data := dataMap(t, resp)
	if data["processed"] != false || data["type"] != "outgoing" {
		t.Errorf("data = %v", data)
	}
	if n := env.jobCount(t); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
}

func TestSessionReceived_DuplicateWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	if w, _ := env.post(t, validEvent()); w.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", w.Code)
	}

	env.clock = env.clock.Add(10 * time.Second)
	w, resp := env.post(t, validEvent())
	if w.Code != http.StatusOK {
		t.Fatalf("second delivery: %d", w.Code)
	}
	data := dataMap(t, resp)
	if data["processed"] != false || data["reason"] != "duplicate" {
		t.Errorf("data = %v", data)
	}
	if n := env.jobCount(t); n != 1 {
		t.Errorf("jobs = %d, want exactly 1", n)
	}

	env.clock = env.clock.Add(dedup.DefaultTTL)
	if w, _ := env.post(t, validEvent()); w.Code != http.StatusOK || env.jobCount(t) != 2 {
		t.Errorf("after ttl: status %d, jobs %d", w.Code, env.jobCount(t))
	}
}

type failingQueue struct{}

func (failingQueue) Add(context.Context, string, any) (*models.Job, error) {
	return nil, errors.New("database is locked")
}

func TestSessionReceived_EnqueueFailure(t *testing.T) {
	env := newTestEnv(t)
	srv, err := New(Options{
		DB:       env.db,
		Store:    env.store,
		Ingestor: NewIngestor(dedup.NewMemoryGate(0), failingQueue{}, time.UTC, quietLogger()),
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	env.srv = srv
	w, resp := env.post(t, validEvent())
	if w.Code != http.StatusInternalServerError || resp.Success {
		t.Errorf("response = %d %s", w.Code, w.Body.String())
	}
}

func TestJobStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, err := env.intake.Add(ctx, types.JobProcessSession, map[string]string{"filename": "x"})
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := env.intake.Claim(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.intake.Complete(ctx, claimed, types.StageResult{Success: true, Processed: true, Message: "done"}); err != nil {
		t.Fatal(err)
	}

	w, resp := env.get(t, "/api/jobs/"+job.ID+"/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	data := dataMap(t, resp)
	if data["state"] != models.JobCompleted || data["queue"] != queue.Intake {
		t.Errorf("data = %v", data)
	}
	if data["finished"] != true {
		t.Errorf("finished = %v, want true", data["finished"])
	}
	if data["progress"] != float64(100) || data["attemptsMade"] != float64(1) {
		t.Errorf("progress/attempts = %v/%v", data["progress"], data["attemptsMade"])
	}
	result, _ := data["result"].(map[string]interface{})
	if result["message"] != "done" {
		t.Errorf("result = %v", data["result"])
	}

	if w, _ := env.get(t, "/api/jobs/nope/status"); w.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d", w.Code)
	}
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 2; i++ {
		ev := validEvent()
		ev["filename"] = []string{"a.wav", "b.wav"}[i]
		if w, _ := env.post(t, ev); w.Code != http.StatusOK {
			t.Fatalf("post: %d", w.Code)
		}
	}

	w, resp := env.get(t, "/api/jobs")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	data := dataMap(t, resp)
	if data["queue"] != queue.Intake {
		t.Errorf("queue = %v", data["queue"])
	}
	if waiting, _ := data["waiting"].([]interface{}); len(waiting) != 2 {
		t.Errorf("waiting = %v", data["waiting"])
	}
	counts, _ := data["counts"].(map[string]interface{})
	if counts["waiting"] != float64(2) {
		t.Errorf("counts = %v", counts)
	}

	if w, _ := env.get(t, "/api/jobs?queue=bogus"); w.Code != http.StatusBadRequest {
		t.Errorf("unknown queue = %d", w.Code)
	}
}

func TestGetEvent(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.store.Create(context.Background(), &models.SessionRecord{
		Type:            "incoming",
		Filename:        "x.wav",
		Date:            time.Date(2025, 2, 9, 6, 59, 13, 0, time.UTC),
		IncomingFileURL: "/audio-files/x-in.wav",
	})
	if err != nil {
		t.Fatal(err)
	}

	w, resp := env.get(t, "/api/event/"+strconv.FormatUint(uint64(rec.ID), 10))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	data := dataMap(t, resp)
	if data["filename"] != "x.wav" || data["incommingfileUrl"] != "/audio-files/x-in.wav" {
		t.Errorf("data = %v", data)
	}
	if data["explanation"] != nil {
		t.Errorf("explanation = %v, want null", data["explanation"])
	}
	if data["processing"] != true {
		t.Errorf("processing = %v, want true before analysis", data["processing"])
	}

	analyzed := time.Date(2025, 2, 9, 7, 5, 0, 0, time.UTC)
	done, err := env.store.Create(context.Background(), &models.SessionRecord{
		Type:        "incoming",
		Filename:    "y.wav",
		Date:        time.Date(2025, 2, 9, 6, 59, 13, 0, time.UTC),
		AnalyzedAt:  &analyzed,
		Explanation: strPtr("ok"),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, resp = env.get(t, "/api/event/"+strconv.FormatUint(uint64(done.ID), 10))
	if data := dataMap(t, resp); data["processing"] != false || data["explanation"] != "ok" {
		t.Errorf("analyzed record = %v", data)
	}

	if w, _ := env.get(t, "/api/event/9999"); w.Code != http.StatusNotFound {
		t.Errorf("missing record = %d", w.Code)
	}
	if w, _ := env.get(t, "/api/event/abc"); w.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d", w.Code)
	}
}

func strPtr(s string) *string { return &s }
