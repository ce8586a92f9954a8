package server

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/discussions"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/users"
)

var (
	studentPrincipal  = auth.Principal{ID: "student-s", DisplayName: "Sam", Role: auth.RoleStudent}
	peerPrincipal     = auth.Principal{ID: "student-t", DisplayName: "Tia", Role: auth.RoleStudent}
	lecturerPrincipal = auth.Principal{ID: "lecturer-l", DisplayName: "Lee", Role: auth.RoleLecturer}
	testTokens        = map[string]auth.Principal{
		"token-s": studentPrincipal,
		"token-t": peerPrincipal,
		"token-l": lecturerPrincipal,
	}
)

type sequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%03d", s.prefix, s.next), nil
}

type testServer struct {
	handler http.Handler
	users   *users.Service
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&discussions.Discussion{}, &discussions.Reply{}, &notifications.Notification{}, &users.Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }

	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDs{prefix: "n"},
	})
	if err != nil {
		t.Fatalf("notification service: %v", err)
	}
	discussionService, err := discussions.NewService(discussions.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDs{prefix: "d"},
		Notifier:   notificationService,
	})
	if err != nil {
		t.Fatalf("discussion service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("user service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Verifier:      stubVerifier{principals: testTokens},
		Discussions:   discussionService,
		Notifications: notificationService,
		Users:         userService,
		Gateway: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return testServer{handler: handler, users: userService}
}

func (s testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingVerifier {
		t.Fatalf("expected missing verifier error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Verifier: stubVerifier{}}); err != errMissingDiscussionService {
		t.Fatalf("expected missing discussion service error, got %v", err)
	}
}

func TestHealthAndWebsocketRoutes(t *testing.T) {
	server := newTestServer(t)

	health := server.do(t, http.MethodGet, "/healthz", "", nil)
	if health.Code != http.StatusOK || health.Body.String() != `{"status":"ok"}` {
		t.Fatalf("unexpected health response %d %s", health.Code, health.Body.String())
	}
	websocketRoute := server.do(t, http.MethodGet, "/ws", "", nil)
	if websocketRoute.Code != http.StatusTeapot {
		t.Fatalf("expected gateway to serve /ws, got %d", websocketRoute.Code)
	}
	if unauthorized := server.do(t, http.MethodGet, "/api/me", "", nil); unauthorized.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", unauthorized.Code)
	}
}

func TestMeReturnsPrincipal(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodGet, "/api/me", "token-s", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var principal auth.Principal
	decodeBody(t, recorder, &principal)
	if principal != studentPrincipal {
		t.Fatalf("unexpected principal %+v", principal)
	}
}

func TestGetUserLooksUpObservedProfile(t *testing.T) {
	server := newTestServer(t)
	if missing := server.do(t, http.MethodGet, "/api/users/lecturer-l", "token-s", nil); missing.Code != http.StatusNotFound {
		t.Fatalf("expected not found before observation, got %d", missing.Code)
	}
	if err := server.users.Observe(t.Context(), lecturerPrincipal); err != nil {
		t.Fatalf("observe: %v", err)
	}
	recorder := server.do(t, http.MethodGet, "/api/users/lecturer-l", "token-s", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var identity users.Identity
	decodeBody(t, recorder, &identity)
	if identity.DisplayName != "Lee" || identity.Role != auth.RoleLecturer {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestDiscussionLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t)

	created := server.do(t, http.MethodPost, "/api/discussions", "token-s", map[string]any{
		"courseId": "course-1",
		"title":    "Recursion help",
		"content":  "How does the base case work?",
		"tags":     []string{"Recursion"},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", created.Code, created.Body.String())
	}
	var discussion discussions.Discussion
	decodeBody(t, created, &discussion)
	if discussion.Status != discussions.DiscussionPending {
		t.Fatalf("expected pending discussion, got %s", discussion.Status)
	}

	denied := server.do(t, http.MethodPost, "/api/discussions/"+discussion.ID+"/moderate", "token-t", map[string]string{"action": "approve"})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", denied.Code)
	}
	var errorPayload map[string]any
	decodeBody(t, denied, &errorPayload)
	if errorPayload["error"] != "permission_error" {
		t.Fatalf("unexpected error payload %v", errorPayload)
	}

	approved := server.do(t, http.MethodPost, "/api/discussions/"+discussion.ID+"/moderate", "token-l", map[string]string{"action": "approve"})
	if approved.Code != http.StatusOK {
		t.Fatalf("approve failed: %d %s", approved.Code, approved.Body.String())
	}
	again := server.do(t, http.MethodPost, "/api/discussions/"+discussion.ID+"/moderate", "token-l", map[string]string{"action": "approve"})
	if again.Code != http.StatusConflict {
		t.Fatalf("expected conflict on second moderation, got %d", again.Code)
	}

	replied := server.do(t, http.MethodPost, "/api/discussions/"+discussion.ID+"/replies", "token-t", map[string]string{"content": "Start from n == 0"})
	if replied.Code != http.StatusCreated {
		t.Fatalf("reply failed: %d %s", replied.Code, replied.Body.String())
	}
	var reply replyResponsePayload
	decodeBody(t, replied, &reply)
	if reply.ReplyCount != 1 {
		t.Fatalf("expected replyCount 1, got %d", reply.ReplyCount)
	}

	voted := server.do(t, http.MethodPost, "/api/replies/"+reply.Reply.ID+"/vote", "token-t", map[string]string{"voteType": "upvote"})
	if voted.Code != http.StatusOK {
		t.Fatalf("vote failed: %d %s", voted.Code, voted.Body.String())
	}
	var vote replyResponsePayload
	decodeBody(t, voted, &vote)
	if vote.VoteCount != 1 {
		t.Fatalf("expected voteCount 1, got %d", vote.VoteCount)
	}

	solution := server.do(t, http.MethodPost, "/api/replies/"+reply.Reply.ID+"/solution", "token-t", nil)
	if solution.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden solution mark, got %d", solution.Code)
	}
	solution = server.do(t, http.MethodPost, "/api/replies/"+reply.Reply.ID+"/solution", "token-s", nil)
	if solution.Code != http.StatusOK {
		t.Fatalf("solution failed: %d %s", solution.Code, solution.Body.String())
	}

	listed := server.do(t, http.MethodGet, "/api/courses/course-1/discussions", "token-t", nil)
	var listPayload struct {
		Discussions []discussions.Discussion `json:"discussions"`
	}
	decodeBody(t, listed, &listPayload)
	if len(listPayload.Discussions) != 1 || listPayload.Discussions[0].ReplyCount != 1 {
		t.Fatalf("unexpected discussion list %+v", listPayload.Discussions)
	}

	viewed := server.do(t, http.MethodGet, "/api/discussions/"+discussion.ID, "token-t", nil)
	var viewedDiscussion discussions.Discussion
	decodeBody(t, viewed, &viewedDiscussion)
	if viewedDiscussion.ViewCount != 1 {
		t.Fatalf("expected one view, got %d", viewedDiscussion.ViewCount)
	}

	missing := server.do(t, http.MethodGet, "/api/discussions/missing", "token-t", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", missing.Code)
	}
}

func TestCreateDiscussionValidationError(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodPost, "/api/discussions", "token-s", map[string]any{"courseId": "course-1"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
	var payload map[string]any
	decodeBody(t, recorder, &payload)
	if payload["error"] != "validation_error" || payload["message"] == "" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	server := newTestServer(t)
	created := server.do(t, http.MethodPost, "/api/discussions", "token-s", map[string]any{
		"courseId": "course-1", "title": "Question", "content": "Body",
	})
	var discussion discussions.Discussion
	decodeBody(t, created, &discussion)
	server.do(t, http.MethodPost, "/api/discussions/"+discussion.ID+"/moderate", "token-l", map[string]string{"action": "approve"})

	count := server.do(t, http.MethodGet, "/api/notifications/unread-count", "token-s", nil)
	var countPayload struct {
		Count int64 `json:"count"`
	}
	decodeBody(t, count, &countPayload)
	if countPayload.Count != 1 {
		t.Fatalf("expected one unread notification, got %d", countPayload.Count)
	}

	listed := server.do(t, http.MethodGet, "/api/notifications?unreadOnly=true", "token-s", nil)
	var listPayload struct {
		Notifications []notifications.Notification `json:"notifications"`
	}
	decodeBody(t, listed, &listPayload)
	if len(listPayload.Notifications) != 1 || listPayload.Notifications[0].Type != notifications.TypeDiscussionApproved {
		t.Fatalf("unexpected notifications %+v", listPayload.Notifications)
	}
	notificationID := listPayload.Notifications[0].ID

	foreign := server.do(t, http.MethodPost, "/api/notifications/"+notificationID+"/archive", "token-t", nil)
	if foreign.Code != http.StatusNotFound {
		t.Fatalf("expected foreign archive to be not found, got %d", foreign.Code)
	}

	read := server.do(t, http.MethodPost, "/api/notifications/read", "token-s", map[string][]string{"notificationIds": {notificationID}})
	var readPayload struct {
		Updated int64 `json:"updated"`
	}
	decodeBody(t, read, &readPayload)
	if readPayload.Updated != 1 {
		t.Fatalf("expected one notification marked read, got %d", readPayload.Updated)
	}

	archived := server.do(t, http.MethodPost, "/api/notifications/"+notificationID+"/archive", "token-s", nil)
	if archived.Code != http.StatusOK {
		t.Fatalf("archive failed: %d %s", archived.Code, archived.Body.String())
	}
	visible := server.do(t, http.MethodGet, "/api/notifications", "token-s", nil)
	decodeBody(t, visible, &listPayload)
	if len(listPayload.Notifications) != 0 {
		t.Fatalf("expected archived notification to be hidden, got %d", len(listPayload.Notifications))
	}
	restored := server.do(t, http.MethodDelete, "/api/notifications/"+notificationID+"/archive", "token-s", nil)
	if restored.Code != http.StatusOK {
		t.Fatalf("unarchive failed: %d", restored.Code)
	}

	invalid := server.do(t, http.MethodGet, "/api/notifications?limit=-1", "token-s", nil)
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for negative limit, got %d", invalid.Code)
	}
}
