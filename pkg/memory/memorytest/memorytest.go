// Package memorytest provides a conformance suite for [memory.Store]
// implementations. Backend packages call [Run] from their own tests with a
// constructor that returns a fresh, empty store.
package memorytest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/opendialogue/pkg/memory"
	"github.com/MrWong99/opendialogue/pkg/types"
)

// Run executes every conformance check against stores produced by newStore.
// Each subtest gets its own store.
func Run(t *testing.T, newStore func(t *testing.T) memory.Store) {
	t.Run("WriteAndGetRecent", func(t *testing.T) { testWriteAndGetRecent(t, newStore(t)) })
	t.Run("GetRecentLimit", func(t *testing.T) { testGetRecentLimit(t, newStore(t)) })
	t.Run("EmptySessionID", func(t *testing.T) { testEmptySessionID(t, newStore(t)) })
	t.Run("Search", func(t *testing.T) { testSearch(t, newStore(t)) })
	t.Run("ClearSession", func(t *testing.T) { testClearSession(t, newStore(t)) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, newStore(t)) })
	t.Run("SettingsTTL", func(t *testing.T) { testSettingsTTL(t, newStore(t)) })
}

func entry(session, role, name, content string, at time.Time) types.LogEntry {
	return types.LogEntry{
		SessionID: session,
		Message:   types.Message{Role: role, Name: name, Content: content},
		Timestamp: at,
	}
}

func write(t *testing.T, s memory.Store, entries ...types.LogEntry) {
	t.Helper()
	for _, e := range entries {
		if err := s.WriteEntry(context.Background(), e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}
}

func contents(entries []types.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.Content
	}
	return out
}

func testWriteAndGetRecent(t *testing.T, s memory.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	write(t, s,
		entry("s1", types.RoleUser, "", "こんにちは", now.Add(-3*time.Minute)),
		entry("s1", types.RoleAssistant, "0", "やあ", now.Add(-2*time.Minute)),
		entry("s2", types.RoleUser, "", "other session", now),
		entry("s1", types.RoleAssistant, "1", "元気？", now.Add(-time.Minute)),
	)

	got, err := s.GetRecent(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	want := []string{"こんにちは", "やあ", "元気？"}
	if fmt.Sprint(contents(got)) != fmt.Sprint(want) {
		t.Fatalf("GetRecent = %v, want %v", contents(got), want)
	}
	if got[1].Message.Name != "0" || got[1].Message.Role != types.RoleAssistant {
		t.Errorf("entry 1 = %+v, want assistant named 0", got[1].Message)
	}
	if got[0].SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", got[0].SessionID)
	}
	if !got[0].Timestamp.Equal(now.Add(-3 * time.Minute)) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, now.Add(-3*time.Minute))
	}

	none, err := s.GetRecent(ctx, "unknown", 10)
	if err != nil {
		t.Fatalf("GetRecent unknown: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("GetRecent unknown = %#v, want empty non-nil slice", none)
	}
}

func testGetRecentLimit(t *testing.T, s memory.Store) {
	base := time.Now()
	for i := range 5 {
		write(t, s, entry("s", types.RoleUser, "", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	got, err := s.GetRecent(context.Background(), "s", 2)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if fmt.Sprint(contents(got)) != "[m3 m4]" {
		t.Errorf("GetRecent(2) = %v, want [m3 m4]", contents(got))
	}
}

func testEmptySessionID(t *testing.T, s memory.Store) {
	err := s.WriteEntry(context.Background(), entry("", types.RoleUser, "", "x", time.Now()))
	if !errors.Is(err, memory.ErrEmptySessionID) {
		t.Errorf("WriteEntry without session: err = %v, want ErrEmptySessionID", err)
	}
}

func testSearch(t *testing.T, s memory.Store) {
	ctx := context.Background()
	now := time.Now()
	write(t, s,
		entry("a", types.RoleUser, "", "週末は山に行きたい", now.Add(-3*time.Minute)),
		entry("a", types.RoleAssistant, "0", "山はいいですね", now.Add(-2*time.Minute)),
		entry("b", types.RoleAssistant, "1", "海の方が好き", now.Add(-time.Minute)),
		entry("b", types.RoleUser, "", "100% 山派です", now),
	)

	tests := []struct {
		name  string
		query string
		opts  memory.SearchOpts
		want  []string
	}{
		{name: "all sessions", query: "山", want: []string{"週末は山に行きたい", "山はいいですね", "100% 山派です"}},
		{name: "one session", query: "山", opts: memory.SearchOpts{SessionID: "a"}, want: []string{"週末は山に行きたい", "山はいいですね"}},
		{name: "role filter", query: "山", opts: memory.SearchOpts{Role: types.RoleUser}, want: []string{"週末は山に行きたい", "100% 山派です"}},
		{name: "limit", query: "山", opts: memory.SearchOpts{Limit: 1}, want: []string{"週末は山に行きたい"}},
		{name: "after", query: "山", opts: memory.SearchOpts{After: now.Add(-90 * time.Second)}, want: []string{"100% 山派です"}},
		{name: "literal percent", query: "100%", want: []string{"100% 山派です"}},
		{name: "no match", query: "砂漠", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Search(ctx, tt.query, tt.opts)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if got == nil {
				t.Fatal("Search returned nil slice")
			}
			if fmt.Sprint(contents(got)) != fmt.Sprint(tt.want) {
				t.Errorf("Search(%q) = %v, want %v", tt.query, contents(got), tt.want)
			}
		})
	}
}

func testClearSession(t *testing.T, s memory.Store) {
	ctx := context.Background()
	write(t, s,
		entry("keep", types.RoleUser, "", "stay", time.Now()),
		entry("drop", types.RoleUser, "", "go", time.Now()),
	)
	if err := s.ClearSession(ctx, "drop"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if err := s.ClearSession(ctx, "never-existed"); err != nil {
		t.Fatalf("ClearSession unknown: %v", err)
	}
	dropped, _ := s.GetRecent(ctx, "drop", 0)
	kept, _ := s.GetRecent(ctx, "keep", 0)
	if len(dropped) != 0 || len(kept) != 1 {
		t.Errorf("after clear: dropped=%d kept=%d, want 0 and 1", len(dropped), len(kept))
	}
}

func testSettings(t *testing.T, s memory.Store) {
	ctx := context.Background()
	if _, ok, err := s.GetSetting(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetSetting missing = ok %v err %v, want false nil", ok, err)
	}
	if err := s.PutSetting(ctx, "k", "v1", 0); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	if err := s.PutSetting(ctx, "k", "v2", time.Hour); err != nil {
		t.Fatalf("PutSetting overwrite: %v", err)
	}
	v, ok, err := s.GetSetting(ctx, "k")
	if err != nil || !ok || v != "v2" {
		t.Fatalf("GetSetting = %q %v %v, want v2 true nil", v, ok, err)
	}
	if err := s.DeleteSetting(ctx, "k"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if err := s.DeleteSetting(ctx, "k"); err != nil {
		t.Fatalf("DeleteSetting twice: %v", err)
	}
	if _, ok, _ := s.GetSetting(ctx, "k"); ok {
		t.Error("setting still present after delete")
	}
}

func testSettingsTTL(t *testing.T, s memory.Store) {
	ctx := context.Background()
	if err := s.PutSetting(ctx, "short", "x", 50*time.Millisecond); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	if _, ok, _ := s.GetSetting(ctx, "short"); !ok {
		t.Fatal("setting missing before expiry")
	}
	time.Sleep(1100 * time.Millisecond)
	if _, ok, err := s.GetSetting(ctx, "short"); err != nil || ok {
		t.Errorf("GetSetting after expiry = ok %v err %v, want false nil", ok, err)
	}
}
