package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/realtime"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string][]realtime.Outbound
}

func (p *recordingPublisher) SendToPrincipal(principalID string, message realtime.Outbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = make(map[string][]realtime.Outbound)
	}
	p.messages[principalID] = append(p.messages[principalID], message)
	return nil
}

func (p *recordingPublisher) received(principalID string) []realtime.Outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]realtime.Outbound(nil), p.messages[principalID]...)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("n-%03d", s.next), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:notifications_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Notification{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, clock *testClock, publisher Publisher, ttl time.Duration) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   openTestDatabase(t),
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{},
		Publisher:  publisher,
		DefaultTTL: ttl,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func replyIntent(recipient string) Intent {
	return Intent{
		RecipientID:         recipient,
		SenderID:            "student-t",
		Type:                TypeReply,
		Title:               "New reply",
		Message:             "Someone replied to your discussion",
		RelatedDiscussionID: "d-1",
		RelatedReplyID:      "r-1",
	}
}

func TestNotifyPersistsAndPushes(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}
	service := newTestService(t, clock, publisher, 0)

	notification, err := service.Notify(context.Background(), replyIntent("student-s"))
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if notification.ID != "n-001" || notification.Priority != PriorityNormal || notification.IsRead {
		t.Fatalf("unexpected notification %+v", notification)
	}
	if notification.ExpiresAt != nil {
		t.Fatal("expected no expiry without a default ttl")
	}

	pushed := publisher.received("student-s")
	if len(pushed) != 2 {
		t.Fatalf("expected notification and unread count pushes, got %d", len(pushed))
	}
	if pushed[0].Type != realtime.OutboundNotification {
		t.Fatalf("expected notification push first, got %s", pushed[0].Type)
	}
	if pushed[1].Type != realtime.OutboundUnreadCount || *pushed[1].Count != 1 {
		t.Fatalf("unexpected unread push %+v", pushed[1])
	}
}

func TestNotifyDoesNotDeduplicate(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	service := newTestService(t, clock, nil, 0)

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := service.Notify(context.Background(), replyIntent("student-s")); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	count, err := service.UnreadCount(context.Background(), "student-s")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 unread, got %d", count)
	}
}

func TestNotifyValidatesIntent(t *testing.T) {
	clock := &testClock{now: time.Now().UTC()}
	service := newTestService(t, clock, nil, 0)

	testCases := []Intent{
		{Type: TypeReply, Title: "x"},
		{RecipientID: "u", Type: Type("gossip"), Title: "x"},
		{RecipientID: "u", Type: TypeReply},
		{RecipientID: "u", Type: TypeReply, Title: "x", Priority: Priority("meh")},
	}
	for index, intent := range testCases {
		if _, err := service.Notify(context.Background(), intent); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", index, err)
		}
	}
}

func TestNotifyWrapsIDFailure(t *testing.T) {
	service, err := NewService(ServiceConfig{Database: openTestDatabase(t), IDProvider: failingIDs{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, err = service.Notify(context.Background(), replyIntent("student-s"))
	var serviceErr *apperr.ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "notifications.notify.id_generation_failed" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestMarkReadSkipsForeignAndUnknownIDs(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}
	service := newTestService(t, clock, publisher, 0)
	ctx := context.Background()

	own, _ := service.Notify(ctx, replyIntent("student-s"))
	foreign, _ := service.Notify(ctx, replyIntent("student-t"))

	updated, err := service.MarkRead(ctx, "student-s", []string{own.ID, foreign.ID, "missing", own.ID})
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected 1 update, got %d", updated)
	}
	if count, _ := service.UnreadCount(ctx, "student-t"); count != 1 {
		t.Fatalf("expected foreign notification to stay unread, got %d", count)
	}
	pushed := publisher.received("student-s")
	last := pushed[len(pushed)-1]
	if last.Type != realtime.OutboundUnreadCount || *last.Count != 0 {
		t.Fatalf("expected unread count push of 0, got %+v", last)
	}

	again, err := service.MarkRead(ctx, "student-s", []string{own.ID})
	if err != nil || again != 0 {
		t.Fatalf("expected idempotent mark read, got %d (%v)", again, err)
	}
	if none, err := service.MarkRead(ctx, "student-s", nil); err != nil || none != 0 {
		t.Fatalf("expected empty input to be a no-op, got %d (%v)", none, err)
	}
}

func TestMarkAllRead(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	service := newTestService(t, clock, nil, 0)
	ctx := context.Background()
	for attempt := 0; attempt < 3; attempt++ {
		_, _ = service.Notify(ctx, replyIntent("student-s"))
	}

	updated, err := service.MarkAllRead(ctx, "student-s")
	if err != nil || updated != 3 {
		t.Fatalf("expected 3 updates, got %d (%v)", updated, err)
	}
	if count, _ := service.UnreadCount(ctx, "student-s"); count != 0 {
		t.Fatalf("expected no unread, got %d", count)
	}
}

func TestArchiveAndUnarchive(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	service := newTestService(t, clock, nil, 0)
	ctx := context.Background()
	created, _ := service.Notify(ctx, replyIntent("student-s"))

	archived, err := service.Archive(ctx, "student-s", created.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !archived.IsArchived || archived.ArchivedAt == nil {
		t.Fatalf("expected archived notification, got %+v", archived)
	}
	if count, _ := service.UnreadCount(ctx, "student-s"); count != 0 {
		t.Fatalf("expected archived notification to leave unread total, got %d", count)
	}
	listed, _ := service.List(ctx, "student-s", ListFilter{})
	if len(listed) != 0 {
		t.Fatalf("expected archived notification hidden by default, got %d", len(listed))
	}
	listed, _ = service.List(ctx, "student-s", ListFilter{IncludeArchived: true})
	if len(listed) != 1 {
		t.Fatalf("expected archived notification when requested, got %d", len(listed))
	}

	restored, err := service.Unarchive(ctx, "student-s", created.ID)
	if err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	if restored.IsArchived || restored.ArchivedAt != nil {
		t.Fatalf("expected restored notification, got %+v", restored)
	}
}

func TestArchiveRejectsForeignNotification(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	service := newTestService(t, clock, nil, 0)
	created, _ := service.Notify(context.Background(), replyIntent("student-s"))

	if _, err := service.Archive(context.Background(), "student-t", created.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := service.Unarchive(context.Background(), "student-s", "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	service := newTestService(t, clock, nil, 0)
	ctx := context.Background()

	first, _ := service.Notify(ctx, replyIntent("student-s"))
	clock.now = clock.now.Add(time.Minute)
	second, _ := service.Notify(ctx, replyIntent("student-s"))
	_, _ = service.MarkRead(ctx, "student-s", []string{first.ID})

	all, err := service.List(ctx, "student-s", ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", all)
	}
	unread, _ := service.List(ctx, "student-s", ListFilter{UnreadOnly: true})
	if len(unread) != 1 || unread[0].ID != second.ID {
		t.Fatalf("expected only unread notification, got %+v", unread)
	}
	paged, _ := service.List(ctx, "student-s", ListFilter{Limit: 1, Offset: 1})
	if len(paged) != 1 || paged[0].ID != first.ID {
		t.Fatalf("expected second page to hold the oldest, got %+v", paged)
	}
	if _, err := service.List(ctx, " ", ListFilter{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPurgeExpiredRemovesElapsedRecords(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	service := newTestService(t, clock, nil, time.Hour)
	ctx := context.Background()

	expiring, _ := service.Notify(ctx, replyIntent("student-s"))
	if expiring.ExpiresAt == nil || !expiring.ExpiresAt.Equal(clock.now.Add(time.Hour)) {
		t.Fatalf("expected default ttl to apply, got %v", expiring.ExpiresAt)
	}
	longLived := replyIntent("student-s")
	far := clock.now.Add(48 * time.Hour)
	longLived.ExpiresAt = &far
	_, _ = service.Notify(ctx, longLived)

	clock.now = clock.now.Add(2 * time.Hour)
	if count, _ := service.UnreadCount(ctx, "student-s"); count != 1 {
		t.Fatalf("expected expired notification excluded from unread total, got %d", count)
	}
	removed, err := service.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if again, _ := service.PurgeExpired(ctx); again != 0 {
		t.Fatalf("expected nothing left to purge, got %d", again)
	}
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: &sequenceIDs{}}); err == nil {
		t.Fatal("expected missing database error")
	}
	if _, err := NewService(ServiceConfig{Database: openTestDatabase(t)}); err == nil {
		t.Fatal("expected missing id provider error")
	}
}

func TestPurgerRunStopsOnCancel(t *testing.T) {
	clock := &testClock{now: time.Now().UTC()}
	service := newTestService(t, clock, nil, 0)
	purger, err := NewPurger(service, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("new purger: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- purger.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("purger did not stop")
	}
	if _, err := NewPurger(service, 0, nil); err == nil {
		t.Fatal("expected invalid interval error")
	}
}

func TestUUIDProviderIssuesDistinctIDs(t *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	second, _ := provider.NewID()
	if first == second || len(first) != 36 {
		t.Fatalf("unexpected ids %s %s", first, second)
	}
}
