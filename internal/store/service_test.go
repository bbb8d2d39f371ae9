package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nanoclaw.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertChatCoalescesNameAndMaxesTimestamp(t *testing.T) {
	s := openTestStore(t)

	t0 := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.UpsertChat("chat-1", "whatsapp", "group", "Alice", t0); err != nil {
		t.Fatalf("UpsertChat: %v", err)
	}
	if err := s.UpsertChat("chat-1", "whatsapp", "group", "", t0.Add(-time.Hour)); err != nil {
		t.Fatalf("UpsertChat second: %v", err)
	}

	c, err := s.ChatByID("chat-1")
	if err != nil {
		t.Fatalf("ChatByID: %v", err)
	}
	if c.DisplayName != "Alice" {
		t.Fatalf("expected display name to be retained when new name is empty, got %q", c.DisplayName)
	}
	if !c.LastMessageTime.Equal(t0) {
		t.Fatalf("expected last_message_time to stay at max(%v), got %v", t0, c.LastMessageTime)
	}
}

func TestRegisterWorkspaceKeyedByChatID(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertChat("chat-1", "slack", "group", "General", time.Now()); err != nil {
		t.Fatalf("UpsertChat: %v", err)
	}

	w := &Workspace{
		ChatID:          "chat-1",
		Folder:          "general",
		DisplayName:     "General",
		RequiresTrigger: true,
		AllowedUsers:    []string{"U1"},
		ContainerConfig: ContainerConfig{MemoryLimitBytes: 256 << 20, CPUNice: 5},
	}
	if err := s.RegisterWorkspace(w); err != nil {
		t.Fatalf("RegisterWorkspace: %v", err)
	}

	got, err := s.WorkspaceByChatID("chat-1")
	if err != nil {
		t.Fatalf("WorkspaceByChatID: %v", err)
	}
	if got.Folder != "general" || !got.RequiresTrigger || len(got.AllowedUsers) != 1 {
		t.Fatalf("unexpected workspace: %+v", got)
	}
	if got.ContainerConfig.MemoryLimitBytes != 256<<20 || got.ContainerConfig.CPUNice != 5 {
		t.Fatalf("expected container resource hints to round-trip, got %+v", got.ContainerConfig)
	}

	byFolder, err := s.WorkspaceByFolder("general")
	if err != nil {
		t.Fatalf("WorkspaceByFolder: %v", err)
	}
	if byFolder.ChatID != "chat-1" {
		t.Fatalf("expected WorkspaceByFolder to resolve chat-1, got %q", byFolder.ChatID)
	}
}

func TestWorkspaceByChatIDReturnsNoRowsWhenUnregistered(t *testing.T) {
	s := openTestStore(t)
	_, err := s.WorkspaceByChatID("missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestGlobalCursorNeverMovesBackward(t *testing.T) {
	s := openTestStore(t)
	t1 := time.Now().UTC().Truncate(time.Millisecond)
	t2 := t1.Add(time.Minute)

	if err := s.AdvanceGlobalCursor(t2); err != nil {
		t.Fatalf("AdvanceGlobalCursor: %v", err)
	}
	if err := s.AdvanceGlobalCursor(t1); err != nil {
		t.Fatalf("AdvanceGlobalCursor backward: %v", err)
	}

	cursor, err := s.GlobalCursor()
	if err != nil {
		t.Fatalf("GlobalCursor: %v", err)
	}
	if !cursor.Equal(t2) {
		t.Fatalf("expected cursor to remain at %v, got %v", t2, cursor)
	}
}

func TestGetMessagesSinceOrdersByTimestampAndDropsBotEchoes(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	msgs := []*Message{
		{MessageID: "m2", ChatID: "chat-1", Content: "second", Timestamp: base.Add(2 * time.Second)},
		{MessageID: "m1", ChatID: "chat-1", Content: "first", Timestamp: base.Add(1 * time.Second)},
		{MessageID: "m3", ChatID: "chat-1", Content: "[nanoclaw] echo", Timestamp: base.Add(3 * time.Second)},
	}
	for _, m := range msgs {
		if err := s.InsertMessage(m); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	got, err := s.GetMessagesSince("chat-1", base, "[nanoclaw]")
	if err != nil {
		t.Fatalf("GetMessagesSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages after excluding bot echo, got %d", len(got))
	}
	if got[0].MessageID != "m1" || got[1].MessageID != "m2" {
		t.Fatalf("expected oldest-first ordering, got %v then %v", got[0].MessageID, got[1].MessageID)
	}
}

func TestInsertMessageIsIdempotentOnDuplicateKey(t *testing.T) {
	s := openTestStore(t)
	m := &Message{MessageID: "dup", ChatID: "chat-1", Content: "hello", Timestamp: time.Now()}
	if err := s.InsertMessage(m); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertMessage(m); err != nil {
		t.Fatalf("duplicate insert should be a no-op, got error: %v", err)
	}

	got, err := s.GetMessagesSince("chat-1", time.Time{}, "")
	if err != nil {
		t.Fatalf("GetMessagesSince: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one stored row for a redelivered message, got %d", len(got))
	}
}

func TestSessionSetGetClear(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetSession("general", "session-abc"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	got, err := s.GetSession("general")
	if err != nil || got != "session-abc" {
		t.Fatalf("GetSession: got %q, err %v", got, err)
	}
	if err := s.SetSession("general", "session-def"); err != nil {
		t.Fatalf("SetSession replace: %v", err)
	}
	got, _ = s.GetSession("general")
	if got != "session-def" {
		t.Fatalf("expected session to be replaced, got %q", got)
	}
	if err := s.ClearSession("general"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	got, _ = s.GetSession("general")
	if got != "" {
		t.Fatalf("expected empty session after clear, got %q", got)
	}
}

func TestScheduledTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	next := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	task := &ScheduledTask{
		Folder:        "general",
		ChatID:        "chat-1",
		Prompt:        "daily standup",
		ScheduleKind:  "cron",
		ScheduleValue: "0 9 * * *",
		ContextMode:   "group",
		NextRun:       &next,
	}
	if err := s.CreateScheduledTask(task); err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}
	if task.ID == "" {
		t.Fatalf("expected generated task id")
	}

	due, err := s.GetDueTasks(time.Now())
	if err != nil {
		t.Fatalf("GetDueTasks: %v", err)
	}
	if len(due) != 1 || due[0].ID != task.ID {
		t.Fatalf("expected task to be due, got %+v", due)
	}

	future := time.Now().Add(24 * time.Hour)
	if err := s.RecordTaskFire(task.ID, &future, "ok"); err != nil {
		t.Fatalf("RecordTaskFire: %v", err)
	}
	due, err = s.GetDueTasks(time.Now())
	if err != nil {
		t.Fatalf("GetDueTasks after fire: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no due tasks once next_run is in the future, got %d", len(due))
	}

	if err := s.SetTaskStatus(task.ID, "paused"); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	got, err := s.TaskByID(task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if got.Status != "paused" {
		t.Fatalf("expected paused status, got %q", got.Status)
	}
}

func TestCancelScheduledTaskClearsNextRunWithoutDeletingHistory(t *testing.T) {
	s := openTestStore(t)
	next := time.Now().UTC()
	task := &ScheduledTask{Folder: "general", ChatID: "chat-1", Prompt: "x", ScheduleKind: "once", ScheduleValue: next.Format(time.RFC3339), NextRun: &next}
	if err := s.CreateScheduledTask(task); err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}
	if err := s.LogTaskRun(task.ID, next, 10, "success", ""); err != nil {
		t.Fatalf("LogTaskRun: %v", err)
	}

	// cancel_task maps onto the "completed" status rather than inventing a
	// fourth status value: a cancelled task should never fire again, same
	// as one that ran to completion.
	if err := s.SetTaskStatus(task.ID, "completed"); err != nil {
		t.Fatalf("SetTaskStatus cancel: %v", err)
	}
	got, err := s.TaskByID(task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if got.Status != "completed" || got.NextRun != nil {
		t.Fatalf("expected completed status with nil next_run after cancel, got status=%q next_run=%v", got.Status, got.NextRun)
	}
}

func TestRecordIPCAuditAndSettingsAndCounters(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordIPCAudit("general", "schedule_task", "accepted", ""); err != nil {
		t.Fatalf("RecordIPCAudit: %v", err)
	}
	if err := s.SetSetting("last_boot", "2026-01-01"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, err := s.GetSetting("last_boot")
	if err != nil || got != "2026-01-01" {
		t.Fatalf("GetSetting: got %q, err %v", got, err)
	}
	if err := s.IncrCounter("messages_ingested", 3); err != nil {
		t.Fatalf("IncrCounter: %v", err)
	}
	if err := s.IncrCounter("messages_ingested", 2); err != nil {
		t.Fatalf("IncrCounter second: %v", err)
	}
	counters, err := s.Counters()
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if counters["messages_ingested"] != 5 {
		t.Fatalf("expected counter to accumulate to 5, got %d", counters["messages_ingested"])
	}
}
