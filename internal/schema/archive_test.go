package schema

import (
	"strings"
	"testing"
)

const sampleList = `;
; Archive created at 2024-03-07 12:00:00 UTC
;     dbname: pagila
;     TOC Entries: 12
;     Format: CUSTOM
;
; Selected TOC Entries:
;
5; 2615 2200 SCHEMA - public postgres
215; 1259 16387 TABLE public actor postgres
216; 1259 16395 TABLE public film actor postgres
3398; 2606 16418 CONSTRAINT public actor actor_pkey postgres
3399; 1259 16419 INDEX public idx_actor_last_name postgres
3400; 2606 16430 FK CONSTRAINT public film film_language_id_fkey postgres
3401; 0 0 SEQUENCE SET public actor_actor_id_seq postgres
3402; 1259 16440 SEQUENCE public actor_actor_id_seq postgres
`

func TestParseArchiveList(t *testing.T) {
	entries, err := ParseArchiveList(sampleList)
	if err != nil {
		t.Fatalf("ParseArchiveList: %v", err)
	}
	if len(entries) != 8 {
		t.Fatalf("got %d entries, want 8", len(entries))
	}

	tests := []struct {
		i      int
		dumpID int
		desc   string
		schema string
		name   string
		owner  string
	}{
		{0, 5, "SCHEMA", "", "public", "postgres"},
		{1, 215, "TABLE", "public", "actor", "postgres"},
		{2, 216, "TABLE", "public", "film actor", "postgres"},
		{3, 3398, "CONSTRAINT", "public", "actor actor_pkey", "postgres"},
		{4, 3399, "INDEX", "public", "idx_actor_last_name", "postgres"},
		{5, 3400, "FK CONSTRAINT", "public", "film film_language_id_fkey", "postgres"},
		{6, 3401, "SEQUENCE SET", "public", "actor_actor_id_seq", "postgres"},
	}
	for _, tt := range tests {
		e := entries[tt.i]
		if e.DumpID != tt.dumpID || e.Desc != tt.desc || e.Schema != tt.schema || e.Name != tt.name || e.Owner != tt.owner {
			t.Errorf("entry %d = %+v, want {%d %s %s %q %s}", tt.i, e, tt.dumpID, tt.desc, tt.schema, tt.name, tt.owner)
		}
	}
}

func TestParseArchiveListRejectsGarbage(t *testing.T) {
	if _, err := ParseArchiveList("not a toc line\n"); err == nil {
		t.Error("ParseArchiveList accepted garbage")
	}
	if _, err := ParseArchiveList("99; x y INDEX public a b\n"); err == nil {
		t.Error("ParseArchiveList accepted non-numeric oids")
	}
}

func TestFilterPostData(t *testing.T) {
	entries, err := ParseArchiveList(sampleList)
	if err != nil {
		t.Fatalf("ParseArchiveList: %v", err)
	}

	created := CreatedSet{}
	created.Add("public", "idx_actor_last_name")
	created.Add("public", "actor actor_pkey")

	kept := FilterPostData(entries, created)

	for _, e := range kept {
		if e.Desc == "INDEX" && e.Name == "idx_actor_last_name" {
			t.Error("already-created index not filtered")
		}
		if e.Desc == "CONSTRAINT" && e.Name == "actor actor_pkey" {
			t.Error("already-created constraint not filtered")
		}
	}

	// FK constraints are never filtered; they belong to post-data restore.
	var fkKept bool
	for _, e := range kept {
		if e.Desc == "FK CONSTRAINT" {
			fkKept = true
		}
	}
	if !fkKept {
		t.Error("FK constraint was filtered out")
	}
	if len(kept) != len(entries)-2 {
		t.Errorf("kept %d entries, want %d", len(kept), len(entries)-2)
	}
}

func TestFormatListRoundTrip(t *testing.T) {
	entries, err := ParseArchiveList(sampleList)
	if err != nil {
		t.Fatalf("ParseArchiveList: %v", err)
	}
	out := FormatList(entries)
	reparsed, err := ParseArchiveList(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(reparsed) != len(entries) {
		t.Fatalf("round trip lost entries: %d != %d", len(reparsed), len(entries))
	}
	for i := range entries {
		if reparsed[i] != entries[i] {
			t.Errorf("entry %d changed: %+v != %+v", i, reparsed[i], entries[i])
		}
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("FormatList output missing trailing newline")
	}
}
