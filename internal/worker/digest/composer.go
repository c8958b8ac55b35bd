package digest

import (
	"slices"

	"github.com/hitoshi/digestman/internal/model"
)

// Compose は1人の受信者のエントリからダイジェストを組み立てる。
// 同じコンテンツに複数のルールがマッチした場合もコンテンツは1回だけ含め、
// 並び順は最初に現れた位置とする。ルールIDは重複を除いて昇順に並べ、
// エントリIDはすべて含める。確保時刻は最初のエントリのものを使う。
func Compose(ownerID, batchID string, entries []model.DigestEntry) model.Digest {
	d := model.Digest{
		OwnerID:  ownerID,
		BatchID:  batchID,
		Contents: make([]model.Content, 0, len(entries)),
		RuleIDs:  make([]string, 0, len(entries)),
		EntryIDs: make([]int64, 0, len(entries)),
	}

	if len(entries) > 0 && entries[0].Entry.ClaimedAt != nil {
		d.ClaimedAt = *entries[0].Entry.ClaimedAt
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		d.EntryIDs = append(d.EntryIDs, e.Entry.ID)
		d.RuleIDs = append(d.RuleIDs, e.Entry.RuleID)

		if _, ok := seen[e.Entry.ContentID]; ok {
			continue
		}
		seen[e.Entry.ContentID] = struct{}{}
		d.Contents = append(d.Contents, e.Content)
	}

	slices.Sort(d.RuleIDs)
	d.RuleIDs = slices.Compact(d.RuleIDs)
	return d
}

// ComposeAll はバッチ内の受信者ごとにダイジェストを組み立てる。
// 受信者の順序はBatch.Ownersに従う。
func ComposeAll(batch *Batch) []model.Digest {
	digests := make([]model.Digest, 0, len(batch.Owners))
	for _, owner := range batch.Owners {
		entries := batch.Entries[owner]
		if len(entries) == 0 {
			continue
		}
		digests = append(digests, Compose(owner, batch.ID, entries))
	}
	return digests
}
