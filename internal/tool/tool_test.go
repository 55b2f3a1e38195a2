package tool

import (
	"context"
	"strings"
	"testing"

	"github.com/harborgate/deskhand/internal/dispatch"
	"github.com/harborgate/deskhand/internal/models"
	"github.com/harborgate/deskhand/internal/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&models.Task{}, &models.Listing{}, &models.Realtor{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return store.New(db)
}

// fakeDeliverer records deliveries and plays back a fixed result.
type fakeDeliverer struct {
	res   dispatch.DeliveryResult
	calls []dispatch.Delivery
}

func (f *fakeDeliverer) Deliver(ctx context.Context, del dispatch.Delivery) dispatch.DeliveryResult {
	f.calls = append(f.calls, del)
	return f.res
}

// --- Registry ---

func TestRegistry(t *testing.T) {
	st := openTestStore(t)
	reg := NewRegistry()

	tools := []Tool{
		NewCreateTask(st),
		NewCreateListing(st),
		NewSearchListings(st),
		NewSendAck(&fakeDeliverer{}),
	}
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			t.Fatalf("register %s: %v", tl.Name(), err)
		}
	}

	want := []string{NameCreateTask, NameCreateListing, NameSearchListings, NameSendAck}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if err := reg.Register(NewCreateTask(st)); err == nil {
		t.Error("expected error registering create-task twice")
	}

	if _, ok := reg.Get(NameCreateTask); !ok {
		t.Error("Get(create-task) missed")
	}
	if _, ok := reg.Get("drop-table"); ok {
		t.Error("Get(drop-table) hit")
	}
}

// --- create-task ---

func TestCreateTask_ExtractedFields(t *testing.T) {
	st := openTestStore(t)
	tl := NewCreateTask(st)

	resp := tl.Execute(context.Background(), Request{
		MessageID: "msg-1",
		Text:      "Create a task to call John about 123 Main Street",
		Fields: map[string]string{
			"title":    "Call John",
			"address":  "123 Main Street",
			"priority": "2",
			"due_date": "2026-09-01",
		},
	})
	if !resp.OK {
		t.Fatalf("OK = false, err = %s", resp.Err)
	}
	if resp.Summary != "Created task: Call John about 123 Main Street" {
		t.Errorf("Summary = %q", resp.Summary)
	}
	if len(resp.Mutations) != 1 {
		t.Fatalf("mutations = %d, want 1", len(resp.Mutations))
	}
	mut := resp.Mutations[0]
	if mut.EntityType != models.EntityTask || mut.Op != models.OpCreate {
		t.Errorf("mutation = %+v", mut)
	}

	id, _ := resp.Payload["taskId"].(string)
	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Priority != 2 {
		t.Errorf("Priority = %d, want 2", task.Priority)
	}
	if task.DueDate == nil || task.DueDate.Format("2006-01-02") != "2026-09-01" {
		t.Errorf("DueDate = %v, want 2026-09-01", task.DueDate)
	}
	if task.Address != "123 Main Street" {
		t.Errorf("Address = %q", task.Address)
	}
}

func TestCreateTask_TitleFallsBackToText(t *testing.T) {
	st := openTestStore(t)
	tl := NewCreateTask(st)

	resp := tl.Execute(context.Background(), Request{
		MessageID: "msg-1",
		Text:      "Please follow up with the inspector",
	})
	if !resp.OK {
		t.Fatalf("OK = false, err = %s", resp.Err)
	}
	if resp.Summary != "Created task: Please follow up with the inspector" {
		t.Errorf("Summary = %q", resp.Summary)
	}

	long := strings.Repeat("followup ", 20)
	resp = tl.Execute(context.Background(), Request{MessageID: "msg-2", Text: long})
	if !resp.OK {
		t.Fatalf("OK = false, err = %s", resp.Err)
	}
	title, _ := resp.Payload["title"].(string)
	if len(title) > maxTitleExcerpt+3 {
		t.Errorf("title length = %d, want at most %d", len(title), maxTitleExcerpt+3)
	}
	if !strings.HasSuffix(title, "...") {
		t.Errorf("title %q not truncated", title)
	}
}

func TestCreateTask_NothingToTitle(t *testing.T) {
	tl := NewCreateTask(openTestStore(t))
	resp := tl.Execute(context.Background(), Request{MessageID: "msg-1", Text: "   "})
	if resp.OK {
		t.Fatal("OK = true with no title source")
	}
	if resp.Err == "" {
		t.Error("Err is empty")
	}
}

func TestCreateTask_DedupReturnsOriginal(t *testing.T) {
	st := openTestStore(t)
	tl := NewCreateTask(st)
	req := Request{
		MessageID: "msg-1",
		Fields:    map[string]string{"title": "Call John"},
	}

	first := tl.Execute(context.Background(), req)
	second := tl.Execute(context.Background(), req)
	if !first.OK || !second.OK {
		t.Fatalf("OK = %v/%v", first.OK, second.OK)
	}
	if first.Payload["taskId"] != second.Payload["taskId"] {
		t.Errorf("taskId differs: %v vs %v", first.Payload["taskId"], second.Payload["taskId"])
	}
	if existed, _ := second.Payload["existed"].(bool); !existed {
		t.Error("second call should report the existing row")
	}
	if len(second.Mutations) != 0 {
		t.Errorf("dedup hit reported %d mutations, want 0", len(second.Mutations))
	}

	var count int64
	if err := st.DB().Model(&models.Task{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("task count = %d, want 1", count)
	}
}

func TestCreateTask_ResolvesAssignee(t *testing.T) {
	st := openTestStore(t)
	realtor := &models.Realtor{ID: "r-1", Name: "Dana Whitfield", Email: "dana@example.com"}
	if err := st.DB().Create(realtor).Error; err != nil {
		t.Fatalf("seed realtor: %v", err)
	}

	tl := NewCreateTask(st)
	resp := tl.Execute(context.Background(), Request{
		MessageID: "msg-1",
		Fields:    map[string]string{"title": "Schedule showing", "assignee": "dana@example.com"},
	})
	if !resp.OK {
		t.Fatalf("OK = false, err = %s", resp.Err)
	}

	id, _ := resp.Payload["taskId"].(string)
	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.RealtorID == nil || *task.RealtorID != "r-1" {
		t.Errorf("RealtorID = %v, want r-1", task.RealtorID)
	}
}

// --- create-listing ---

func TestCreateListing_RequiresAddress(t *testing.T) {
	tl := NewCreateListing(openTestStore(t))
	resp := tl.Execute(context.Background(), Request{MessageID: "msg-1", Fields: map[string]string{"notes": "nice porch"}})
	if resp.OK {
		t.Fatal("OK = true without address")
	}
	if resp.Err != "address is required" {
		t.Errorf("Err = %q", resp.Err)
	}
}

func TestCreateListing_Defaults(t *testing.T) {
	st := openTestStore(t)
	tl := NewCreateListing(st)

	resp := tl.Execute(context.Background(), Request{
		MessageID: "msg-1",
		Fields:    map[string]string{"address": "5 Elm Street"},
	})
	if !resp.OK {
		t.Fatalf("OK = false, err = %s", resp.Err)
	}
	if resp.Summary != "Added listing: 5 Elm Street (sale)" {
		t.Errorf("Summary = %q", resp.Summary)
	}
	if len(resp.Mutations) != 1 || resp.Mutations[0].EntityType != models.EntityListing {
		t.Errorf("mutations = %+v", resp.Mutations)
	}
}

func TestCreateListing_TypeNormalization(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"lease", models.ListingLease},
		{"rent", models.ListingLease},
		{"RENTAL", models.ListingLease},
		{"sale", models.ListingSale},
		{"", models.ListingSale},
		{"condo", models.ListingSale},
	}
	st := openTestStore(t)
	tl := NewCreateListing(st)

	for i, tc := range cases {
		resp := tl.Execute(context.Background(), Request{
			MessageID: "msg-" + strings.Repeat("x", i+1),
			Fields:    map[string]string{"address": "1 Test Lane", "listing_type": tc.in},
		})
		if !resp.OK {
			t.Fatalf("OK = false for %q: %s", tc.in, resp.Err)
		}
		if got, _ := resp.Payload["listingType"].(string); got != tc.want {
			t.Errorf("listing_type %q normalized to %q, want %q", tc.in, got, tc.want)
		}
	}
}

// --- search-listings ---

func TestSearchListings(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seed := []store.ListingDraft{
		{Address: "123 Main Street", ListingType: models.ListingSale},
		{Address: "456 Main Street", ListingType: models.ListingLease},
		{Address: "9 Oak Avenue", ListingType: models.ListingSale},
	}
	for i, draft := range seed {
		if _, _, err := st.CreateListing(ctx, draft, ""); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	tl := NewSearchListings(st)

	resp := tl.Execute(ctx, Request{Fields: map[string]string{"address": "Main"}})
	if !resp.OK {
		t.Fatalf("OK = false: %s", resp.Err)
	}
	if count, _ := resp.Payload["count"].(int); count != 2 {
		t.Errorf("count = %v, want 2", resp.Payload["count"])
	}
	if !strings.HasPrefix(resp.Summary, "Found 2 listings:") {
		t.Errorf("Summary = %q", resp.Summary)
	}
	if !strings.Contains(resp.Summary, "123 Main Street (sale, active)") {
		t.Errorf("Summary missing entry: %q", resp.Summary)
	}
	if len(resp.Mutations) != 0 {
		t.Errorf("read-only tool reported %d mutations", len(resp.Mutations))
	}

	resp = tl.Execute(ctx, Request{Fields: map[string]string{"query": "Oak"}})
	if !strings.HasPrefix(resp.Summary, "Found 1 listing:") {
		t.Errorf("Summary = %q", resp.Summary)
	}

	resp = tl.Execute(ctx, Request{Fields: map[string]string{"address": "Birch"}})
	if !resp.OK {
		t.Fatalf("OK = false for empty result: %s", resp.Err)
	}
	if resp.Summary != "No listings matched your query." {
		t.Errorf("Summary = %q", resp.Summary)
	}
}

// --- send-acknowledgment ---

func TestSendAck(t *testing.T) {
	fake := &fakeDeliverer{res: dispatch.DeliveryResult{Delivered: true, Attempts: 1}}
	tl := NewSendAck(fake)

	resp := tl.Execute(context.Background(), Request{
		MessageID:      "msg-1",
		ConversationID: "C100",
		ThreadID:       "T1",
		Text:           "Created task: Call John",
	})
	if !resp.OK {
		t.Fatalf("OK = false, err = %s", resp.Err)
	}
	if attempts, _ := resp.Payload["attempts"].(int); attempts != 1 {
		t.Errorf("attempts = %v, want 1", resp.Payload["attempts"])
	}
	if len(fake.calls) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(fake.calls))
	}
	del := fake.calls[0]
	if del.MessageID != "msg-1" || del.ConversationID != "C100" || del.ThreadID != "T1" || del.Text != "Created task: Call John" {
		t.Errorf("delivery = %+v", del)
	}
}

func TestSendAck_Failure(t *testing.T) {
	fake := &fakeDeliverer{res: dispatch.DeliveryResult{Attempts: 5, Err: context.DeadlineExceeded}}
	tl := NewSendAck(fake)

	resp := tl.Execute(context.Background(), Request{ConversationID: "C100", Text: "hi"})
	if resp.OK {
		t.Fatal("OK = true for failed delivery")
	}
	if resp.Err == "" {
		t.Error("Err is empty")
	}
	if attempts, _ := resp.Payload["attempts"].(int); attempts != 5 {
		t.Errorf("attempts = %v, want 5", resp.Payload["attempts"])
	}
}

func TestSendAck_EmptyText(t *testing.T) {
	fake := &fakeDeliverer{res: dispatch.DeliveryResult{Delivered: true}}
	tl := NewSendAck(fake)

	resp := tl.Execute(context.Background(), Request{ConversationID: "C100"})
	if resp.OK {
		t.Fatal("OK = true for empty text")
	}
	if len(fake.calls) != 0 {
		t.Errorf("deliveries = %d, want 0", len(fake.calls))
	}
}
