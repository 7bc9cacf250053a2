package metadata

import "testing"

func testEntity() *Entity {
	return &Entity{
		Name:       "document",
		Table:      "documents",
		PrimaryKey: PrimaryKey{Field: "id", Type: "uuid", Generated: true},
		SoftDelete: true,
		Fields: []Field{
			{Name: "id", Type: "uuid"},
			{Name: "name", Type: "string", Required: true},
			{Name: "created_at", Type: "timestamp", Auto: "create"},
			{Name: "deleted_at", Type: "timestamp"},
		},
	}
}

func TestEntityHasField(t *testing.T) {
	e := testEntity()
	if !e.HasField("name") {
		t.Error("expected field name")
	}
	if e.HasField("ghost") {
		t.Error("unexpected field ghost")
	}
}

func TestWritableFieldsExcludesGeneratedAndAuto(t *testing.T) {
	e := testEntity()
	for _, f := range e.WritableFields() {
		if f.Name == "id" {
			t.Error("generated primary key must not be writable")
		}
		if f.Name == "created_at" {
			t.Error("auto field must not be writable")
		}
	}
}

func TestUpdatableFieldsExcludesSoftDeleteMarker(t *testing.T) {
	e := testEntity()
	for _, f := range e.UpdatableFields() {
		if f.Name == "deleted_at" {
			t.Error("soft-delete marker must not be client-updatable")
		}
		if f.Name == "id" {
			t.Error("primary key must not be updatable")
		}
	}
}

func TestRegistryHasField(t *testing.T) {
	reg := NewRegistry()
	reg.Load([]*Entity{testEntity()})

	if !reg.HasField("document", "name") {
		t.Error("expected document.name")
	}
	if reg.HasField("document", "ghost") {
		t.Error("unknown field must report false")
	}
	if reg.HasField("ghost", "name") {
		t.Error("unknown entity type has no fields")
	}
}

func TestAccountContextRoles(t *testing.T) {
	a := &AccountContext{ID: "a1", Roles: []string{"staff", "admin"}, Active: true}
	if !a.HasRole("staff") || !a.IsAdmin() {
		t.Error("expected staff and admin roles")
	}

	b := &AccountContext{ID: "a2", Roles: []string{"staff"}}
	if b.IsAdmin() {
		t.Error("staff alone is not admin")
	}
}
