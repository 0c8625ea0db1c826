package database

import "testing"

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadMissingDocumentReturnsNil(t *testing.T) {
	db := openTestDB(t)

	doc, err := db.Load("missing")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil document, got %+v", doc)
	}
}

func TestStoreThenLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	lang := "go"

	if err := db.Store(&PersistedDocument{ID: "doc1", Text: "hello", Language: &lang}); err != nil {
		t.Fatalf("store: %v", err)
	}

	doc, err := db.Load("doc1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc == nil {
		t.Fatal("expected document, got nil")
	}
	if doc.Text != "hello" {
		t.Fatalf("text = %q, want %q", doc.Text, "hello")
	}
	if doc.Language == nil || *doc.Language != "go" {
		t.Fatalf("language = %v, want %q", doc.Language, "go")
	}
}

func TestStoreUpsertOverwritesText(t *testing.T) {
	db := openTestDB(t)

	if err := db.Store(&PersistedDocument{ID: "doc1", Text: "v1"}); err != nil {
		t.Fatalf("store v1: %v", err)
	}
	if err := db.Store(&PersistedDocument{ID: "doc1", Text: "v2"}); err != nil {
		t.Fatalf("store v2: %v", err)
	}

	doc, err := db.Load("doc1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Text != "v2" {
		t.Fatalf("text = %q, want %q", doc.Text, "v2")
	}

	count, err := db.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1 (upsert must not duplicate rows)", count)
	}
}

func TestCreateListGetRenameSoftDelete(t *testing.T) {
	db := openTestDB(t)
	name := "notes"

	meta, err := db.Create("doc1", &name)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if meta.ID != "doc1" || meta.Name == nil || *meta.Name != "notes" {
		t.Fatalf("unexpected meta: %+v", meta)
	}

	list, err := db.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "doc1" {
		t.Fatalf("list = %+v, want one entry for doc1", list)
	}

	got, err := db.GetMeta("doc1")
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if got == nil || got.ID != "doc1" {
		t.Fatalf("get meta = %+v, want doc1", got)
	}

	if err := db.Rename("doc1", "renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, err = db.GetMeta("doc1")
	if err != nil {
		t.Fatalf("get meta after rename: %v", err)
	}
	if got.Name == nil || *got.Name != "renamed" {
		t.Fatalf("name after rename = %v, want %q", got.Name, "renamed")
	}

	if err := db.SoftDelete("doc1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	got, err = db.GetMeta("doc1")
	if err != nil {
		t.Fatalf("get meta after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil meta after soft delete, got %+v", got)
	}
}

func TestRenameMissingDocumentErrors(t *testing.T) {
	db := openTestDB(t)
	if err := db.Rename("missing", "x"); err == nil {
		t.Fatal("expected error renaming a document that does not exist")
	}
}

func TestSoftDeleteMissingDocumentErrors(t *testing.T) {
	db := openTestDB(t)
	if err := db.SoftDelete("missing"); err == nil {
		t.Fatal("expected error soft-deleting a document that does not exist")
	}
}

func TestUserColorRoundTrip(t *testing.T) {
	db := openTestDB(t)

	colors, err := db.LoadUserColors()
	if err != nil {
		t.Fatalf("load colors: %v", err)
	}
	if len(colors) != 0 {
		t.Fatalf("expected empty color map, got %v", colors)
	}

	if err := db.SaveUserColor("a@example.com", 120); err != nil {
		t.Fatalf("save color: %v", err)
	}
	if err := db.SaveUserColor("a@example.com", 200); err != nil {
		t.Fatalf("save color update: %v", err)
	}

	colors, err = db.LoadUserColors()
	if err != nil {
		t.Fatalf("load colors: %v", err)
	}
	if colors["a@example.com"] != 200 {
		t.Fatalf("color = %d, want 200 (upsert must overwrite)", colors["a@example.com"])
	}
}
