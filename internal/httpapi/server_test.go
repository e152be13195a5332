package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/julia-epshtein/umunch/internal/audio"
	"github.com/julia-epshtein/umunch/internal/client"
	"github.com/julia-epshtein/umunch/internal/observability"
	"github.com/julia-epshtein/umunch/internal/session"
	"github.com/julia-epshtein/umunch/internal/workout"
	"github.com/julia-epshtein/umunch/internal/worklog"
)

type fakeVoice struct {
	mu          sync.Mutex
	state       session.ChannelState
	transcripts []string
	workouts    []workout.Intent
	resets      int
	err         error
}

func (f *fakeVoice) Snapshot() client.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return client.Snapshot{IsConnected: f.state == session.StateConnected, State: f.state}
}

func (f *fakeVoice) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Status{State: f.state}
}

func (f *fakeVoice) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.state = session.StateConnected
	return nil
}

func (f *fakeVoice) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = session.StateDisconnected
	return nil
}

func (f *fakeVoice) StartConversation(ctx context.Context) error { return f.Connect(ctx) }

func (f *fakeVoice) StopConversation(context.Context) error { return nil }

func (f *fakeVoice) ResetConversation() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeVoice) SendTranscript(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != session.StateConnected {
		return session.ErrNotConnected
	}
	if strings.TrimSpace(text) == "" {
		return session.ErrEmptyTranscript
	}
	f.transcripts = append(f.transcripts, text)
	return nil
}

func (f *fakeVoice) SendWorkoutData(_ context.Context, in workout.Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.workouts = append(f.workouts, in)
	f.mu.Unlock()
	return nil
}

func (f *fakeVoice) StartRecording(context.Context) error { return client.ErrNoRecorder }

func (f *fakeVoice) StopRecording(context.Context) (client.RecordingResult, error) {
	return client.RecordingResult{
		Audio:      &audio.EncodedAudio{Data: make([]byte, 44), Format: audio.ContainerWAV, Duration: 1500 * time.Millisecond},
		Transcript: "ran for ten minutes",
	}, nil
}

func newTestServer(t *testing.T, voice Controller, store worklog.Store) (*httptest.Server, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics("test_httpapi")
	ts := httptest.NewServer(New(voice, store, metrics, nil).Router())
	t.Cleanup(ts.Close)
	return ts, metrics
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	res, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestTranscriptRequiresConnection(t *testing.T) {
	voice := &fakeVoice{state: session.StateDisconnected}
	ts, _ := newTestServer(t, voice, nil)

	res := postJSON(t, ts.URL+"/v1/voice/transcript", transcriptRequest{Text: "hello"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("transcript status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
	var errBody errorResponse
	decodeBody(t, res, &errBody)
	if errBody.Code != "not_connected" {
		t.Fatalf("error code = %q, want not_connected", errBody.Code)
	}

	res = postJSON(t, ts.URL+"/v1/voice/connect", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var snap client.Snapshot
	decodeBody(t, res, &snap)
	if !snap.IsConnected {
		t.Fatalf("snapshot after connect = %+v, want connected", snap)
	}

	res = postJSON(t, ts.URL+"/v1/voice/transcript", transcriptRequest{Text: "I ran"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transcript status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	res = postJSON(t, ts.URL+"/v1/voice/transcript", transcriptRequest{Text: "   "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank transcript status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if len(voice.transcripts) != 1 || voice.transcripts[0] != "I ran" {
		t.Fatalf("transcripts = %v", voice.transcripts)
	}
}

func TestConnectFailureMapsToBadGateway(t *testing.T) {
	voice := &fakeVoice{err: &session.ConnectionError{Op: "dial", Err: context.DeadlineExceeded}}
	ts, _ := newTestServer(t, voice, nil)

	res := postJSON(t, ts.URL+"/v1/voice/conversation/start", nil)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
}

func TestSendWorkoutValidation(t *testing.T) {
	voice := &fakeVoice{state: session.StateConnected}
	ts, _ := newTestServer(t, voice, nil)

	res := postJSON(t, ts.URL+"/v1/voice/workout", map[string]any{"activity": "swim", "duration": 0, "difficulty": "easy"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid workout status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
	res = postJSON(t, ts.URL+"/v1/voice/workout", map[string]any{"activity": "swim", "duration": 40, "difficulty": "hard"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("workout status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(voice.workouts) != 1 || voice.workouts[0].DurationMinutes != 40 {
		t.Fatalf("workouts = %+v", voice.workouts)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/voice/workout", strings.NewReader("{"))
	badRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST malformed error = %v", err)
	}
	defer badRes.Body.Close()
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed status = %d, want %d", badRes.StatusCode, http.StatusBadRequest)
	}
}

func TestRecordingRoutes(t *testing.T) {
	ts, _ := newTestServer(t, &fakeVoice{state: session.StateConnected}, nil)

	res := postJSON(t, ts.URL+"/v1/voice/recording/start", nil)
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("start recording status = %d, want %d", res.StatusCode, http.StatusNotImplemented)
	}

	res = postJSON(t, ts.URL+"/v1/voice/recording/stop", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stop recording status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var out recordingResponse
	decodeBody(t, res, &out)
	if out.Transcript != "ran for ten minutes" || out.Bytes != 44 || out.Seconds != 1.5 {
		t.Fatalf("recording response = %+v", out)
	}
}

func TestWorkoutLog(t *testing.T) {
	store := worklog.NewInMemoryStore()
	ts, _ := newTestServer(t, &fakeVoice{}, store)

	res := postJSON(t, ts.URL+"/v1/workouts", map[string]any{"activity": "yoga", "duration": 30, "difficulty": "easy"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("save status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var saved worklog.Entry
	decodeBody(t, res, &saved)
	if saved.ID == "" || saved.Source != "manual" {
		t.Fatalf("saved entry = %+v", saved)
	}

	res = postJSON(t, ts.URL+"/v1/workouts", map[string]any{"activity": "yoga", "duration": 30, "difficulty": " "})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid save status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}

	listRes, err := http.Get(ts.URL + "/v1/workouts?limit=5")
	if err != nil {
		t.Fatalf("GET workouts error = %v", err)
	}
	defer listRes.Body.Close()
	var list struct {
		Workouts []worklog.Entry `json:"workouts"`
	}
	decodeBody(t, listRes, &list)
	if len(list.Workouts) != 1 || list.Workouts[0].Activity != "yoga" {
		t.Fatalf("workouts = %+v", list.Workouts)
	}

	badRes, err := http.Get(ts.URL + "/v1/workouts?limit=x")
	if err != nil {
		t.Fatalf("GET workouts error = %v", err)
	}
	defer badRes.Body.Close()
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want %d", badRes.StatusCode, http.StatusBadRequest)
	}
}

func TestWorkoutLogDisabled(t *testing.T) {
	ts, _ := newTestServer(t, &fakeVoice{}, nil)

	res, err := http.Get(ts.URL + "/v1/workouts")
	if err != nil {
		t.Fatalf("GET workouts error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotImplemented)
	}
}

func TestHealthAndPerfRoutes(t *testing.T) {
	ts, metrics := newTestServer(t, &fakeVoice{state: session.StateDisconnected}, worklog.NewInMemoryStore())
	metrics.ObserveTurnStage("transcript_to_agent_reply", 120*time.Millisecond)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	var health map[string]any
	decodeBody(t, res, &health)
	if health["status"] != "ok" || health["store_mode"] != "memory" {
		t.Fatalf("health = %+v", health)
	}

	perfRes, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET perf error = %v", err)
	}
	defer perfRes.Body.Close()
	if perfRes.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d, want %d", perfRes.StatusCode, http.StatusOK)
	}

	metricsRes, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer metricsRes.Body.Close()
	if metricsRes.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", metricsRes.StatusCode, http.StatusOK)
	}
}
