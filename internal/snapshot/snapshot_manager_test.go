package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-audit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEntry 建立測試用快取
func newEntry(id string, score float64) *types.SubjectResultCache {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	return &types.SubjectResultCache{
		SubjectID:       types.SubjectID(id),
		SubjectLabel:    "Label " + id,
		Score:           &score,
		ReviewData:      json.RawMessage(`{"rating":4.6}`),
		ReviewFetchedAt: &at,
		ReviewDepth:     50,
		LastAuditAt:     &at,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "cache.json"))

	original := types.CacheSnapshot{
		ActiveSubject: "biz-1",
		Live:          newEntry("biz-1", 71),
		Entries: map[types.SubjectID]*types.SubjectResultCache{
			"biz-1": newEntry("biz-1", 71),
			"biz-2": newEntry("biz-2", 55),
		},
	}

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.ActiveSubject, loaded.ActiveSubject)
	require.Len(t, loaded.Entries, 2)
	assert.Equal(t, 55.0, *loaded.Entries["biz-2"].Score)
	assert.JSONEq(t, `{"rating":4.6}`, string(loaded.Entries["biz-1"].ReviewData))
	assert.True(t, original.Entries["biz-1"].ReviewFetchedAt.Equal(*loaded.Entries["biz-1"].ReviewFetchedAt))
	require.NotNil(t, loaded.Live)
	assert.Equal(t, 71.0, *loaded.Live.Score)
}

// TestWriteCreatesDirectory 測試自動建立目錄
func TestWriteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "cache.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(types.CacheSnapshot{}))
	assert.True(t, manager.Exists())
}

// TestAtomicWrite 測試原子性寫入：讀取端只會看到完整的新或舊快照
func TestAtomicWrite(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, manager.Write(types.CacheSnapshot{ActiveSubject: "old"}))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(types.CacheSnapshot{ActiveSubject: "new"}))
	}()

	var loaded types.CacheSnapshot
	go func() {
		defer wg.Done()
		time.Sleep(2 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()
	assert.Contains(t, []types.SubjectID{"old", "new"}, loaded.ActiveSubject)

	// 臨時檔案不應殘留
	_, err := os.Stat(manager.GetPath() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照檔）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	assert.False(t, manager.Exists())

	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Entries)
	assert.Empty(t, data.Entries)
	assert.Equal(t, types.SubjectID(""), data.ActiveSubject)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 2, "entries": {}}`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 1, "entries": `), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestNilEntriesNormalized 測試 entries 為 null 時補上空 map
func TestNilEntriesNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 1, "active_subject": "x"}`), 0644))

	data, err := NewManager(path).Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Entries)
	assert.Equal(t, types.SubjectID("x"), data.ActiveSubject)
	require.NotNil(t, data.Live)
	assert.Equal(t, types.SubjectID("x"), data.Live.SubjectID)
	assert.False(t, data.Live.HasData())
}

// TestLoadNormalizesLive 測試 live 與 active subject 對齊
func TestLoadNormalizesLive(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantScore *float64
		wantLen   int
	}{
		{
			name:      "missing live rebuilt from entry",
			content:   `{"schema_ver":1,"active_subject":"biz-1","entries":{"biz-1":{"score":71}}}`,
			wantScore: ptr(71),
			wantLen:   1,
		},
		{
			name:      "live of another subject replaced",
			content:   `{"schema_ver":1,"active_subject":"biz-1","live":{"subject_id":"biz-2","score":10},"entries":{"biz-1":{"score":71},"biz-2":{"score":10}}}`,
			wantScore: ptr(71),
			wantLen:   2,
		},
		{
			name:      "matching live kept",
			content:   `{"schema_ver":1,"active_subject":"biz-1","live":{"subject_id":"biz-1","score":80},"entries":{"biz-1":{"score":71}}}`,
			wantScore: ptr(80),
			wantLen:   1,
		},
		{
			name:    "null entry dropped",
			content: `{"schema_ver":1,"active_subject":"biz-1","entries":{"biz-1":null,"biz-2":{"score":10}}}`,
			wantLen: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cache.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			data, err := NewManager(path).Load()
			require.NoError(t, err)
			assert.Len(t, data.Entries, tt.wantLen)
			for id, e := range data.Entries {
				assert.Equal(t, id, e.SubjectID, "subject_id follows the map key")
			}
			require.NotNil(t, data.Live)
			assert.Equal(t, types.SubjectID("biz-1"), data.Live.SubjectID)
			if tt.wantScore == nil {
				assert.Nil(t, data.Live.Score)
			} else {
				require.NotNil(t, data.Live.Score)
				assert.Equal(t, *tt.wantScore, *data.Live.Score)
			}
		})
	}
}

func ptr(v float64) *float64 { return &v }

// ============================================================================
// 並發測試
// ============================================================================

// TestConcurrentWrites 測試並發寫入最後仍是合法快照
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "cache.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.SubjectID(fmt.Sprintf("biz-%d", i))
			assert.NoError(t, manager.Write(types.CacheSnapshot{
				ActiveSubject: id,
				Entries:       map[types.SubjectID]*types.SubjectResultCache{id: newEntry(string(id), float64(i))},
			}))
		}(i)
	}
	wg.Wait()

	data, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, data.Entries, 1)
	_, ok := data.Entries[data.ActiveSubject]
	assert.True(t, ok)
}
