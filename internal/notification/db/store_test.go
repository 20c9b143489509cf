package db

import (
	"errors"
	"io/fs"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/kenshu/pkg/event"
	"github.com/nao1215/kenshu/pkg/migration"
)

// openTestDB はテスト用のインメモリSQLiteを開く。
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	sqlDB, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

// setupTestStore は全マイグレーションを適用したStoreを生成する。
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	sqlDB := openTestDB(t)
	if err := Migrate(t.Context(), sqlDB); err != nil {
		t.Fatalf("マイグレーションに失敗: %v", err)
	}
	s, err := New(t.Context(), sqlDB)
	if err != nil {
		t.Fatalf("Storeの生成に失敗: %v", err)
	}
	return s
}

// setupLegacyStore は既読カラム追加前のスキーマでStoreを生成する。
func setupLegacyStore(t *testing.T) *Store {
	t.Helper()

	const first = "migrations/000001_create_notifications.up.sql"
	content, err := fs.ReadFile(migrationsFS, first)
	if err != nil {
		t.Fatalf("マイグレーションファイルの読み込みに失敗: %v", err)
	}

	sqlDB := openTestDB(t)
	fsys := fstest.MapFS{first: {Data: content}}
	if err := migration.Run(t.Context(), sqlDB, fsys, "migrations"); err != nil {
		t.Fatalf("マイグレーションに失敗: %v", err)
	}
	s, err := New(t.Context(), sqlDB)
	if err != nil {
		t.Fatalf("Storeの生成に失敗: %v", err)
	}
	return s
}

func mustCreate(t *testing.T, s *Store, p CreateParams) event.Notification {
	t.Helper()
	n, err := s.Create(t.Context(), p)
	if err != nil {
		t.Fatalf("通知の作成に失敗: %v", err)
	}
	return n
}

// TestCreateAndList は通知の作成と一覧取得を検証する。
func TestCreateAndList(t *testing.T) {
	t.Parallel()

	t.Run("作成した通知が新しい順に取得できること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)

		first := mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "1件目"})
		second := mustCreate(t, s, CreateParams{
			Audience: event.Admin(),
			Kind:     event.KindRegistrationCreated,
			Message:  "2件目",
			Refs:     event.Refs{TrainingProgramID: event.Ref(3), RegistrationID: event.Ref(4)},
		})
		if second.ID <= first.ID {
			t.Fatalf("IDが単調増加していない: first=%d second=%d", first.ID, second.ID)
		}

		list, err := s.List(t.Context(), event.Admin(), 10)
		if err != nil {
			t.Fatalf("List() = %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("件数 = %d, want 2", len(list))
		}
		if list[0].ID != second.ID || list[1].ID != first.ID {
			t.Errorf("並び順が不正: got [%d %d], want [%d %d]", list[0].ID, list[1].ID, second.ID, first.ID)
		}
		if list[0].Kind != event.KindRegistrationCreated {
			t.Errorf("Kind = %q, want %q", list[0].Kind, event.KindRegistrationCreated)
		}
		if list[1].Kind != event.KindGeneral {
			t.Errorf("Kind = %q, want %q", list[1].Kind, event.KindGeneral)
		}
		if list[0].Refs.RegistrationID == nil || *list[0].Refs.RegistrationID != 4 {
			t.Errorf("RegistrationID = %v, want 4", list[0].Refs.RegistrationID)
		}
		if list[0].Refs.ApplicantID != nil {
			t.Errorf("ApplicantID = %v, want nil", list[0].Refs.ApplicantID)
		}
		if list[0].Read {
			t.Error("作成直後の通知が既読になっている")
		}
	})

	t.Run("limitで件数が制限されること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)

		for range 5 {
			mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "x"})
		}
		list, err := s.List(t.Context(), event.Admin(), 3)
		if err != nil {
			t.Fatalf("List() = %v", err)
		}
		if len(list) != 3 {
			t.Errorf("件数 = %d, want 3", len(list))
		}
	})

	t.Run("従業員宛ての通知は本人のものだけが取得できること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)

		mustCreate(t, s, CreateParams{Audience: event.Employee("42"), Message: "本人宛て"})
		mustCreate(t, s, CreateParams{Audience: event.Employee("43"), Message: "他人宛て"})
		mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "管理者宛て"})

		list, err := s.List(t.Context(), event.Employee("42"), 10)
		if err != nil {
			t.Fatalf("List() = %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("件数 = %d, want 1", len(list))
		}
		if list[0].Message != "本人宛て" {
			t.Errorf("Message = %q, want 本人宛て", list[0].Message)
		}
		if list[0].Audience != event.Employee("42") {
			t.Errorf("Audience = %v, want employee:42", list[0].Audience)
		}
	})

	t.Run("作成日時がUTCで保存されること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)

		jst := time.FixedZone("JST", 9*60*60)
		at := time.Date(2026, 4, 1, 9, 0, 0, 0, jst)
		mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "x", CreatedAt: at})

		list, err := s.List(t.Context(), event.Admin(), 1)
		if err != nil {
			t.Fatalf("List() = %v", err)
		}
		if !list[0].CreatedAt.Equal(at) {
			t.Errorf("CreatedAt = %v, want %v", list[0].CreatedAt, at)
		}
		if list[0].CreatedAt.Location() != time.UTC {
			t.Errorf("Location = %v, want UTC", list[0].CreatedAt.Location())
		}
	})

	t.Run("不正な宛先はエラーになること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)

		if _, err := s.Create(t.Context(), CreateParams{Audience: event.Employee(""), Message: "x"}); !errors.Is(err, event.ErrInvalidAudience) {
			t.Errorf("Create() error = %v, want ErrInvalidAudience", err)
		}
		if _, err := s.List(t.Context(), event.Audience{Kind: "guest"}, 10); !errors.Is(err, event.ErrInvalidAudience) {
			t.Errorf("List() error = %v, want ErrInvalidAudience", err)
		}
	})
}

// TestSetRead は既読状態の更新を検証する。
func TestSetRead(t *testing.T) {
	t.Parallel()

	t.Run("既読にすると状態が変わりchangedがtrueになること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		n := mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "x"})

		got, changed, err := s.SetRead(t.Context(), n.ID, true)
		if err != nil {
			t.Fatalf("SetRead() = %v", err)
		}
		if !changed {
			t.Error("changed = false, want true")
		}
		if !got.Read {
			t.Error("Read = false, want true")
		}
	})

	t.Run("同じ状態を2回設定してもエラーにならずchangedがfalseになること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		n := mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "x"})

		if _, _, err := s.SetRead(t.Context(), n.ID, true); err != nil {
			t.Fatalf("1回目のSetRead() = %v", err)
		}
		got, changed, err := s.SetRead(t.Context(), n.ID, true)
		if err != nil {
			t.Fatalf("2回目のSetRead() = %v", err)
		}
		if changed {
			t.Error("changed = true, want false")
		}
		if !got.Read {
			t.Error("Read = false, want true")
		}
	})

	t.Run("未読に戻せること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		n := mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "x"})

		if _, _, err := s.SetRead(t.Context(), n.ID, true); err != nil {
			t.Fatalf("SetRead(true) = %v", err)
		}
		got, changed, err := s.SetRead(t.Context(), n.ID, false)
		if err != nil {
			t.Fatalf("SetRead(false) = %v", err)
		}
		if !changed || got.Read {
			t.Errorf("changed = %v, Read = %v, want true, false", changed, got.Read)
		}
	})

	t.Run("存在しないIDはErrNotFoundになること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)

		if _, _, err := s.SetRead(t.Context(), 999, true); !errors.Is(err, ErrNotFound) {
			t.Errorf("SetRead() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("並行して既読にしてもchangedがtrueになるのは1回だけであること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		n := mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "x"})

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			changes int
		)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, changed, err := s.SetRead(t.Context(), n.ID, true)
				if err != nil {
					t.Errorf("SetRead() = %v", err)
					return
				}
				if changed {
					mu.Lock()
					changes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if changes != 1 {
			t.Errorf("changes = %d, want 1", changes)
		}
	})
}

// TestLegacySchema は既読カラムが無いスキーマでの縮退動作を検証する。
func TestLegacySchema(t *testing.T) {
	t.Parallel()

	t.Run("既読カラムが無くても一覧取得がread=falseで成功すること", func(t *testing.T) {
		t.Parallel()
		s := setupLegacyStore(t)

		if s.HasReadState() {
			t.Fatal("HasReadState() = true, want false")
		}
		mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "X さんが研修 Y に申し込みました"})

		list, err := s.List(t.Context(), event.Admin(), 10)
		if err != nil {
			t.Fatalf("List() = %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("件数 = %d, want 1", len(list))
		}
		if list[0].Read {
			t.Error("Read = true, want false")
		}
	})

	t.Run("既読カラムが無い場合の既読更新はErrReadStateUnavailableになること", func(t *testing.T) {
		t.Parallel()
		s := setupLegacyStore(t)
		n := mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "x"})

		if _, _, err := s.SetRead(t.Context(), n.ID, true); !errors.Is(err, ErrReadStateUnavailable) {
			t.Errorf("SetRead() error = %v, want ErrReadStateUnavailable", err)
		}
	})

	t.Run("既読カラムが無い場合の未読件数は全件になること", func(t *testing.T) {
		t.Parallel()
		s := setupLegacyStore(t)
		mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "x"})
		mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "y"})

		count, err := s.CountUnread(t.Context())
		if err != nil {
			t.Fatalf("CountUnread() = %v", err)
		}
		if count != 2 {
			t.Errorf("count = %d, want 2", count)
		}
	})
}

// TestDelete は通知の削除を検証する。
func TestDelete(t *testing.T) {
	t.Parallel()

	t.Run("IDを指定して削除できること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		n := mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "x"})

		if err := s.Delete(t.Context(), event.Admin(), n.ID); err != nil {
			t.Fatalf("Delete() = %v", err)
		}
		if _, err := s.Get(t.Context(), event.Admin(), n.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("他の従業員の通知は削除できないこと", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		n := mustCreate(t, s, CreateParams{Audience: event.Employee("42"), Message: "x"})

		if err := s.Delete(t.Context(), event.Employee("43"), n.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete() error = %v, want ErrNotFound", err)
		}
		if _, err := s.Get(t.Context(), event.Employee("42"), n.ID); err != nil {
			t.Errorf("本人の通知が削除されている: %v", err)
		}
	})

	t.Run("一括削除は宛先の通知だけを削除すること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		mustCreate(t, s, CreateParams{Audience: event.Employee("42"), Message: "a"})
		mustCreate(t, s, CreateParams{Audience: event.Employee("42"), Message: "b"})
		mustCreate(t, s, CreateParams{Audience: event.Employee("43"), Message: "c"})
		mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "d"})

		deleted, err := s.DeleteAll(t.Context(), event.Employee("42"))
		if err != nil {
			t.Fatalf("DeleteAll() = %v", err)
		}
		if deleted != 2 {
			t.Errorf("deleted = %d, want 2", deleted)
		}

		other, _ := s.List(t.Context(), event.Employee("43"), 10)
		admin, _ := s.List(t.Context(), event.Admin(), 10)
		if len(other) != 1 || len(admin) != 1 {
			t.Errorf("他の宛先の通知が削除されている: employee43=%d admin=%d", len(other), len(admin))
		}
	})
}

// TestCountUnread は未読件数の集計を検証する。
func TestCountUnread(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	a := mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "a"})
	mustCreate(t, s, CreateParams{Audience: event.Admin(), Message: "b"})
	mustCreate(t, s, CreateParams{Audience: event.Employee("1"), Message: "c"})

	if _, _, err := s.SetRead(t.Context(), a.ID, true); err != nil {
		t.Fatalf("SetRead() = %v", err)
	}
	count, err := s.CountUnread(t.Context())
	if err != nil {
		t.Fatalf("CountUnread() = %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
