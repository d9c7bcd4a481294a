package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/buildroom-dev/buildroom/internal/auth"
	"github.com/buildroom-dev/buildroom/internal/handler"
	"github.com/buildroom-dev/buildroom/internal/logger"
	"github.com/buildroom-dev/buildroom/internal/middleware"
	"github.com/buildroom-dev/buildroom/internal/model"
	"github.com/buildroom-dev/buildroom/internal/store"
)

type apiFixture struct {
	server *httptest.Server
	store  *store.Store
	jwt    *auth.JWTManager
	alice  *model.User
	bob    *model.User
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	s := store.New(db)

	ctx := context.Background()
	alice := &model.User{Email: "alice@example.com"}
	if err := s.CreateUser(ctx, alice); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	bob := &model.User{Email: "bob@example.com"}
	if err := s.CreateUser(ctx, bob); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	h := handler.New(s, nil, logger.NewNop())

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(jwtManager))
		r.Get("/me", h.Me)
		r.Get("/users", h.ListUsers)
		r.Post("/users", h.CreateUser)
		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)
		r.Put("/projects/update-file-tree", h.UpdateFileTree)
		r.Route("/projects/{projectId}", func(r chi.Router) {
			r.Get("/", h.GetProject)
			r.Get("/messages", h.ListMessages)
			r.Put("/save", h.SaveProject)
			r.Route("/sandbox", func(r chi.Router) {
				r.Post("/run", h.RunSandbox)
				r.Post("/stop", h.StopSandbox)
				r.Get("/status", h.SandboxStatus)
			})
		})
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &apiFixture{server: server, store: s, jwt: jwtManager, alice: alice, bob: bob}
}

func (f *apiFixture) request(t *testing.T, user *model.User, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if user != nil {
		token, err := f.jwt.GenerateAccessToken(user.ID, user.Email)
		if err != nil {
			t.Fatalf("GenerateAccessToken: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateAndListProjects(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, f.alice, http.MethodPost, "/api/projects",
		`{"name":"demo","members":["bob@example.com"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created model.Project
	decodeBody(t, resp, &created)
	if created.ID == "" || created.Name != "demo" {
		t.Errorf("created project = %+v", created)
	}

	// Both the owner and the added member see the project.
	for _, user := range []*model.User{f.alice, f.bob} {
		resp = f.request(t, user, http.MethodGet, "/api/projects", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list status for %s = %d", user.Email, resp.StatusCode)
		}
		var projects []model.Project
		decodeBody(t, resp, &projects)
		if len(projects) != 1 || projects[0].ID != created.ID {
			t.Errorf("projects for %s = %+v", user.Email, projects)
		}
	}
}

func TestCreateProjectRejectsUnknownMember(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, f.alice, http.MethodPost, "/api/projects",
		`{"name":"demo","members":["nobody@example.com"]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetProjectRequiresMembership(t *testing.T) {
	f := newAPIFixture(t)

	project := &model.Project{Name: "private"}
	if err := f.store.CreateProject(context.Background(), project, f.alice.ID); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	resp := f.request(t, f.bob, http.MethodGet, "/api/projects/"+project.ID, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-member status = %d, want 403", resp.StatusCode)
	}

	resp = f.request(t, f.alice, http.MethodGet, "/api/projects/"+project.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("member status = %d", resp.StatusCode)
	}
	var payload struct {
		Project  model.Project          `json:"project"`
		Messages []model.ProjectMessage `json:"messages"`
	}
	decodeBody(t, resp, &payload)
	if payload.Project.ID != project.ID {
		t.Errorf("hydrated project = %+v", payload.Project)
	}
}

func TestGetProjectUnknownID(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, f.alice, http.MethodGet, "/api/projects/does-not-exist", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUpdateFileTree(t *testing.T) {
	f := newAPIFixture(t)

	project := &model.Project{Name: "demo"}
	if err := f.store.CreateProject(context.Background(), project, f.alice.ID); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	body := `{"projectId":"` + project.ID + `","fileTree":{"index.js":{"file":{"contents":"console.log(1)"}}}}`
	resp := f.request(t, f.alice, http.MethodPut, "/api/projects/update-file-tree", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var saved struct {
		FileVersion int64 `json:"fileVersion"`
	}
	decodeBody(t, resp, &saved)
	if saved.FileVersion != 1 {
		t.Errorf("fileVersion = %d, want 1", saved.FileVersion)
	}

	tree, err := f.store.GetFileTree(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("GetFileTree: %v", err)
	}
	if tree["index.js"].File.Contents != "console.log(1)" {
		t.Errorf("tree = %v", tree)
	}

	// Non-members cannot write the tree.
	resp = f.request(t, f.bob, http.MethodPut, "/api/projects/update-file-tree", body)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-member status = %d, want 403", resp.StatusCode)
	}
}

func TestSaveProjectPrunesMessages(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	project := &model.Project{Name: "demo"}
	if err := f.store.CreateProject(ctx, project, f.alice.ID); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	author := model.UserRef{ID: f.alice.ID, Email: f.alice.Email}
	keep, err := f.store.AppendMessage(ctx, project.ID, &author, json.RawMessage(`{"text":"keep"}`))
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := f.store.AppendMessage(ctx, project.ID, &author, json.RawMessage(`{"text":"drop"}`)); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	body := `{"fileTree":{"a.js":{"file":{"contents":"x"}}},"retainMessageIds":["` + keep.ID + `"]}`
	resp := f.request(t, f.alice, http.MethodPut, "/api/projects/"+project.ID+"/save", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	messages, err := f.store.ListMessagesByProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("ListMessagesByProject: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != keep.ID {
		t.Errorf("messages after save = %+v", messages)
	}
}

func TestCreateUserIdempotentByEmail(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, f.alice, http.MethodPost, "/api/users", `{"email":"Carol@Example.com"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var carol model.User
	decodeBody(t, resp, &carol)
	if carol.Email != "carol@example.com" {
		t.Errorf("email not normalized: %q", carol.Email)
	}

	resp = f.request(t, f.alice, http.MethodPost, "/api/users", `{"email":"carol@example.com"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat status = %d", resp.StatusCode)
	}
	var again model.User
	decodeBody(t, resp, &again)
	if again.ID != carol.ID {
		t.Errorf("repeat create returned a new user: %q vs %q", again.ID, carol.ID)
	}
}

func TestRequestsRequireAuth(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, nil, http.MethodGet, "/api/projects", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSandboxUnavailableWithoutRuntime(t *testing.T) {
	f := newAPIFixture(t)

	project := &model.Project{Name: "demo"}
	if err := f.store.CreateProject(context.Background(), project, f.alice.ID); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	resp := f.request(t, f.alice, http.MethodPost, "/api/projects/"+project.ID+"/sandbox/run", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
