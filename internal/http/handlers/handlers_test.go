package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"seeit/internal/domain"
)

type fakeRunRepo struct {
	runs map[string]*domain.RenderRun
	jobs map[string][]domain.RenderJob
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{
		runs: map[string]*domain.RenderRun{},
		jobs: map[string][]domain.RenderJob{},
	}
}

func (f *fakeRunRepo) Create(_ context.Context, run *domain.RenderRun, jobs []domain.RenderJob) error {
	f.runs[run.ID] = run
	f.jobs[run.ID] = jobs
	return nil
}

func (f *fakeRunRepo) ClaimQueued(context.Context) (*domain.RenderRun, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeRunRepo) Complete(_ context.Context, run *domain.RenderRun) error {
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunRepo) GetByID(_ context.Context, id string) (*domain.RenderRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunRepo) ListJobs(_ context.Context, runID string) ([]domain.RenderJob, error) {
	return f.jobs[runID], nil
}

func (f *fakeRunRepo) UpdateJob(context.Context, *domain.RenderJob) error { return nil }

func (f *fakeRunRepo) Release(context.Context, string) error { return nil }

type fakeRoomRepo struct {
	rooms  []domain.SavedRoom
	owners map[string]string // owner id -> email
}

func (f *fakeRoomRepo) GetByID(context.Context, string) (*domain.SavedRoom, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeRoomRepo) ListByShop(_ context.Context, shopID string) ([]domain.SavedRoom, error) {
	var out []domain.SavedRoom
	for _, room := range f.rooms {
		if room.ShopID == shopID {
			out = append(out, room)
		}
	}
	return out, nil
}

func (f *fakeRoomRepo) ListByOwnerEmail(_ context.Context, shopID, email string) ([]domain.SavedRoom, error) {
	var out []domain.SavedRoom
	for _, room := range f.rooms {
		if room.ShopID == shopID && f.owners[room.OwnerID] == email {
			out = append(out, room)
		}
	}
	return out, nil
}

type fakePromptRepo struct {
	defs  map[string]*domain.PromptDefinition
	audit map[string][]domain.PromptAuditLog
}

func newFakePromptRepo() *fakePromptRepo {
	return &fakePromptRepo{
		defs:  map[string]*domain.PromptDefinition{},
		audit: map[string][]domain.PromptAuditLog{},
	}
}

func (f *fakePromptRepo) key(scope, name string) string { return scope + "/" + name }

func (f *fakePromptRepo) Get(_ context.Context, scope, name string) (*domain.PromptDefinition, error) {
	def, ok := f.defs[f.key(scope, name)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return def, nil
}

func (f *fakePromptRepo) Upsert(_ context.Context, def *domain.PromptDefinition) error {
	key := f.key(def.Scope, def.Name)
	if existing, ok := f.defs[key]; ok {
		def.ID = existing.ID
		def.Version = existing.Version + 1
	} else {
		def.ID = "prompt-" + key
		def.Version = 1
	}
	f.defs[key] = def
	f.audit[def.ID] = append(f.audit[def.ID], domain.PromptAuditLog{
		PromptID: def.ID,
		Version:  def.Version,
		Template: def.Template,
	})
	return nil
}

func (f *fakePromptRepo) ListAudit(_ context.Context, promptID string) ([]domain.PromptAuditLog, error) {
	return f.audit[promptID], nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func testServer(t *testing.T) (*httptest.Server, *fakeRunRepo, *fakePromptRepo, *fakeRoomRepo) {
	t.Helper()
	runs := newFakeRunRepo()
	prompts := newFakePromptRepo()
	rooms := &fakeRoomRepo{}
	app := NewApp(App{
		Runs:    runs,
		Rooms:   rooms,
		Prompts: prompts,
		Logger:  zerolog.Nop(),
	})

	r := chi.NewRouter()
	r.Get("/v1/healthz", app.Health)
	r.Post("/v1/renders", app.CreateRender)
	r.Get("/v1/renders/{id}", app.GetRender)
	r.Get("/v1/shops/{shop}/rooms", app.ListRooms)
	r.Get("/v1/shops/{shop}/prompts/{name}", app.GetPrompt)
	r.Put("/v1/shops/{shop}/prompts/{name}", app.UpsertPrompt)
	r.Get("/v1/shops/{shop}/prompts/{name}/audit", app.PromptAudit)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, runs, prompts, rooms
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestHealth(t *testing.T) {
	srv, _, _, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/v1/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	env := decodeEnvelope(t, resp)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("status = %d, success = %v", resp.StatusCode, env.Success)
	}
}

func TestCreateRender(t *testing.T) {
	srv, runs, _, _ := testServer(t)

	body := map[string]any{
		"shop_id":     "shop-1",
		"prompt_name": "placement",
		"placements": []map[string]any{
			{"asset_id": "asset-1", "room_id": "room-1"},
			{
				"asset_id": "asset-1", "room_id": "room-2",
				"prompt_overrides": map[string]string{"placement": "against the far wall"},
			},
		},
	}
	payload, _ := json.Marshal(body)
	resp, err := http.Post(srv.URL+"/v1/renders", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST renders: %v", err)
	}
	env := decodeEnvelope(t, resp)
	if resp.StatusCode != http.StatusAccepted || !env.Success {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, env.Data)
	}

	var data struct {
		RunID      string `json:"run_id"`
		TraceID    string `json:"trace_id"`
		Placements int    `json:"placements"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Placements != 2 || data.RunID == "" || data.TraceID == "" {
		t.Fatalf("data = %+v", data)
	}
	run, ok := runs.runs[data.RunID]
	if !ok {
		t.Fatal("run not persisted")
	}
	if run.Status != domain.RunStatusCreated {
		t.Fatalf("run status = %s", run.Status)
	}
	jobs := runs.jobs[data.RunID]
	if len(jobs) != 2 || jobs[0].Status != domain.JobStatusPending {
		t.Fatalf("jobs = %+v", jobs)
	}
	if jobs[0].Overrides != nil {
		t.Fatalf("first job overrides = %v, want none", jobs[0].Overrides)
	}
	if jobs[1].Overrides["placement"] != "against the far wall" {
		t.Fatalf("second job overrides = %v", jobs[1].Overrides)
	}
}

func TestCreateRenderValidation(t *testing.T) {
	srv, _, _, _ := testServer(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", "{", "bad_request"},
		{"missing shop", `{"placements":[{"asset_id":"a","room_id":"r"}]}`, "bad_request"},
		{"no placements", `{"shop_id":"shop-1","placements":[]}`, "bad_request"},
		{"incomplete placement", `{"shop_id":"shop-1","placements":[{"asset_id":"a"}]}`, "bad_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/v1/renders", "application/json", bytes.NewReader([]byte(tc.body)))
			if err != nil {
				t.Fatalf("POST renders: %v", err)
			}
			env := decodeEnvelope(t, resp)
			if resp.StatusCode != http.StatusBadRequest || env.Success {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if env.Error.Code != tc.code {
				t.Fatalf("error code = %q", env.Error.Code)
			}
		})
	}
}

func TestGetRender(t *testing.T) {
	srv, runs, _, _ := testServer(t)

	completed := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	runs.runs["run-1"] = &domain.RenderRun{
		ID:               "run-1",
		ShopID:           "shop-1",
		TraceID:          "trace-1",
		Status:           domain.RunStatusPartiallyFailed,
		SuccessCount:     1,
		FailCount:        1,
		TelemetryDropped: true,
		Waterfall:        domain.Waterfall{domain.StageInference: 900, domain.StageTotal: 1200},
		Totals:           domain.RunTotals{TokensIn: 1000, CallsTotal: 3, CallsFailed: 1},
		StartedAt:        completed.Add(-5 * time.Second),
		CompletedAt:      &completed,
	}
	runs.jobs["run-1"] = []domain.RenderJob{
		{ID: "job-1", RunID: "run-1", Status: domain.JobStatusSuccess, ImageKey: "renders/run-1/placement-01.png"},
		{ID: "job-2", RunID: "run-1", Status: domain.JobStatusFail, Error: "upstream 503", RetryCount: 2},
	}

	resp, err := http.Get(srv.URL + "/v1/renders/run-1")
	if err != nil {
		t.Fatalf("GET render: %v", err)
	}
	env := decodeEnvelope(t, resp)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var data struct {
		Status           string           `json:"status"`
		SuccessCount     int              `json:"success_count"`
		FailCount        int              `json:"fail_count"`
		TelemetryDropped bool             `json:"telemetry_dropped"`
		WaterfallMS      map[string]int64 `json:"waterfall_ms"`
		Jobs             []struct {
			ID         string `json:"id"`
			Status     string `json:"status"`
			RetryCount int    `json:"retry_count"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Status != string(domain.RunStatusPartiallyFailed) || data.SuccessCount != 1 || data.FailCount != 1 {
		t.Fatalf("data = %+v", data)
	}
	if !data.TelemetryDropped {
		t.Fatal("telemetry_dropped not surfaced")
	}
	if data.WaterfallMS["inference"] != 900 {
		t.Fatalf("waterfall = %v", data.WaterfallMS)
	}
	if len(data.Jobs) != 2 || data.Jobs[1].RetryCount != 2 {
		t.Fatalf("jobs = %+v", data.Jobs)
	}
}

func TestGetRenderNotFound(t *testing.T) {
	srv, _, _, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/v1/renders/missing")
	if err != nil {
		t.Fatalf("GET render: %v", err)
	}
	env := decodeEnvelope(t, resp)
	if resp.StatusCode != http.StatusNotFound || env.Error.Code != "not_found" {
		t.Fatalf("status = %d, code = %q", resp.StatusCode, env.Error.Code)
	}
}

func TestGetPromptFallsBackToSystem(t *testing.T) {
	srv, _, prompts, _ := testServer(t)
	prompts.defs["SYSTEM/placement"] = &domain.PromptDefinition{
		ID: "prompt-sys", Scope: "SYSTEM", Name: "placement", Version: 3, Template: "place {{product}}",
	}

	resp, err := http.Get(srv.URL + "/v1/shops/shop-1/prompts/placement")
	if err != nil {
		t.Fatalf("GET prompt: %v", err)
	}
	env := decodeEnvelope(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var data promptResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.EffectiveScope != "SYSTEM" || data.Version != 3 {
		t.Fatalf("data = %+v", data)
	}
}

func TestGetPromptPrefersShopScope(t *testing.T) {
	srv, _, prompts, _ := testServer(t)
	prompts.defs["SYSTEM/placement"] = &domain.PromptDefinition{Scope: "SYSTEM", Name: "placement", Template: "sys"}
	prompts.defs["shop-1/placement"] = &domain.PromptDefinition{Scope: "shop-1", Name: "placement", Template: "mine", Version: 2}

	resp, err := http.Get(srv.URL + "/v1/shops/shop-1/prompts/placement")
	if err != nil {
		t.Fatalf("GET prompt: %v", err)
	}
	env := decodeEnvelope(t, resp)
	var data promptResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.EffectiveScope != "shop-1" || data.Template != "mine" {
		t.Fatalf("data = %+v", data)
	}
}

func TestUpsertPromptBumpsVersionAndAudits(t *testing.T) {
	srv, _, prompts, _ := testServer(t)

	put := func(template string) envelope {
		t.Helper()
		payload, _ := json.Marshal(map[string]string{"template": template, "updated_by": "merchant@example.com"})
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/shops/shop-1/prompts/placement", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT prompt: %v", err)
		}
		return decodeEnvelope(t, resp)
	}

	put("v1 template")
	env := put("v2 template")
	var data struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Version != 2 {
		t.Fatalf("version = %d, want 2", data.Version)
	}
	if got := len(prompts.audit[data.ID]); got != 2 {
		t.Fatalf("audit entries = %d, want 2", got)
	}

	resp, err := http.Get(srv.URL + "/v1/shops/shop-1/prompts/placement/audit")
	if err != nil {
		t.Fatalf("GET audit: %v", err)
	}
	auditEnv := decodeEnvelope(t, resp)
	var auditData struct {
		Items []struct {
			Version int `json:"version"`
		} `json:"items"`
	}
	if err := json.Unmarshal(auditEnv.Data, &auditData); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(auditData.Items) != 2 {
		t.Fatalf("audit items = %d", len(auditData.Items))
	}
}

func TestListRooms(t *testing.T) {
	srv, _, _, rooms := testServer(t)
	rooms.rooms = []domain.SavedRoom{
		{ID: "room-1", ShopID: "shop-1", ImageKey: "rooms/a.png", CleanedKey: "rooms/a-clean.png"},
		{ID: "room-2", ShopID: "shop-2", ImageKey: "rooms/b.png"},
	}

	resp, err := http.Get(srv.URL + "/v1/shops/shop-1/rooms")
	if err != nil {
		t.Fatalf("GET rooms: %v", err)
	}
	env := decodeEnvelope(t, resp)
	var data struct {
		Items []roomResponse `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(data.Items) != 1 || data.Items[0].ID != "room-1" {
		t.Fatalf("items = %+v", data.Items)
	}
}

func TestListRoomsFiltersByOwnerEmail(t *testing.T) {
	srv, _, _, rooms := testServer(t)
	rooms.owners = map[string]string{"owner-1": "ana@example.com", "owner-2": "bo@example.com"}
	rooms.rooms = []domain.SavedRoom{
		{ID: "room-1", ShopID: "shop-1", OwnerID: "owner-1", ImageKey: "rooms/a.png"},
		{ID: "room-2", ShopID: "shop-1", OwnerID: "owner-2", ImageKey: "rooms/b.png"},
	}

	resp, err := http.Get(srv.URL + "/v1/shops/shop-1/rooms?owner_email=bo%40example.com")
	if err != nil {
		t.Fatalf("GET rooms: %v", err)
	}
	env := decodeEnvelope(t, resp)
	var data struct {
		Items []roomResponse `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(data.Items) != 1 || data.Items[0].ID != "room-2" {
		t.Fatalf("items = %+v", data.Items)
	}
}
