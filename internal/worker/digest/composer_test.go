package digest

import (
	"slices"
	"testing"

	"github.com/hitoshi/digestman/internal/model"
)

func entry(id int64, owner, contentID, ruleID string) model.DigestEntry {
	return model.DigestEntry{
		Entry:   model.QueueEntry{ID: id, OwnerID: owner, ContentID: contentID, RuleID: ruleID},
		Content: model.Content{ID: contentID},
	}
}

func TestCompose_DeduplicatesContentMatchedByMultipleRules(t *testing.T) {
	entries := []model.DigestEntry{
		entry(1, "user-1", "content-x", "rule-2"),
		entry(2, "user-1", "content-x", "rule-1"),
	}

	d := Compose("user-1", "2025-01-15", entries)

	if len(d.Contents) != 1 || d.Contents[0].ID != "content-x" {
		t.Errorf("Contents = %v, want [content-x]", d.ContentIDs())
	}
	if !slices.Equal(d.RuleIDs, []string{"rule-1", "rule-2"}) {
		t.Errorf("RuleIDs = %v, want [rule-1 rule-2]", d.RuleIDs)
	}
	if !slices.Equal(d.EntryIDs, []int64{1, 2}) {
		t.Errorf("EntryIDs = %v, want [1 2]", d.EntryIDs)
	}
	if d.OwnerID != "user-1" || d.BatchID != "2025-01-15" {
		t.Errorf("OwnerID/BatchID = %s/%s", d.OwnerID, d.BatchID)
	}
}

func TestCompose_KeepsFirstMatchOrder(t *testing.T) {
	entries := []model.DigestEntry{
		entry(1, "user-1", "content-a", "rule-1"),
		entry(2, "user-1", "content-b", "rule-1"),
		entry(3, "user-1", "content-a", "rule-2"),
		entry(4, "user-1", "content-c", "rule-2"),
	}

	d := Compose("user-1", "2025-01-15", entries)

	if got := d.ContentIDs(); !slices.Equal(got, []string{"content-a", "content-b", "content-c"}) {
		t.Errorf("ContentIDs = %v", got)
	}
	if len(d.EntryIDs) != 4 {
		t.Errorf("EntryIDs = %v, want 4 entries", d.EntryIDs)
	}
}

func TestComposeAll_FollowsOwnerOrder(t *testing.T) {
	batch := groupByOwner("2025-01-15", []model.DigestEntry{
		entry(1, "user-b", "content-1", "rule-b"),
		entry(2, "user-a", "content-1", "rule-a"),
		entry(3, "user-b", "content-2", "rule-b"),
	})

	digests := ComposeAll(batch)

	if len(digests) != 2 {
		t.Fatalf("digests = %d, want 2", len(digests))
	}
	if digests[0].OwnerID != "user-b" || digests[1].OwnerID != "user-a" {
		t.Errorf("受信者の順序 = %s, %s", digests[0].OwnerID, digests[1].OwnerID)
	}
	if len(digests[0].Contents) != 2 {
		t.Errorf("user-bのコンテンツ数 = %d, want 2", len(digests[0].Contents))
	}
}
