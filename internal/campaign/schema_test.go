package campaign

import (
	"errors"
	"testing"
)

func TestRecordValidatorAcceptsBackendRows(t *testing.T) {
	v := MustRecordValidator()
	cases := map[string]string{
		TableCampaigns: `{"id":"camp-1","title":"t","status":"executing","draft_json":{"anything":[1,2]}}`,
		TableMessages:  `{"id":"m1","campaign_id":"camp-1","role":"user","content":"hi","metadata":null}`,
		TableAssets:    `{"id":"a1","campaign_id":"camp-1","asset_type":"image","day_number":null,"status":null,"content":{"url":"x"}}`,
	}
	for table, raw := range cases {
		if err := v.Validate(table, []byte(raw)); err != nil {
			t.Fatalf("%s: expected valid record, got %v", table, err)
		}
	}
	// Delete events may only carry the primary key.
	if err := v.Validate(TableAssets, []byte(`{"id":"a1"}`)); err != nil {
		t.Fatalf("expected id-only asset record to validate, got %v", err)
	}
}

func TestRecordValidatorRejectsBadRows(t *testing.T) {
	v := MustRecordValidator()
	cases := []struct {
		table string
		raw   string
	}{
		{TableCampaigns, `{"title":"no id"}`},
		{TableCampaigns, `{"id":"camp-1","status":"archived"}`},
		{TableMessages, `{"id":"m1"}`},
		{TableAssets, `{"id":"a1","day_number":"two"}`},
		{TableAssets, `{"id":""}`},
		{TableAssets, `[]`},
		{TableAssets, `{not json`},
		{TableAssets, `  `},
	}
	for _, tc := range cases {
		err := v.Validate(tc.table, []byte(tc.raw))
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s %s: expected ErrInvalidInput, got %v", tc.table, tc.raw, err)
		}
	}
}

func TestRecordValidatorUnknownTable(t *testing.T) {
	err := MustRecordValidator().Validate("profiles", []byte(`{"id":"u1"}`))
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
