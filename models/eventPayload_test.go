package models

import (
	"testing"

	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
)

func TestParseEventPayload_Sale(t *testing.T) {
	raw := []byte(`{"source_id":"pos-001","total_amount":750000,"payment_method":"cash","description":"POS sale"}`)
	payload, err := ParseEventPayload(EventTypeSaleCompleted, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if payload.Sale == nil {
		t.Fatal("sale variant must be set")
	}
	if payload.SourceId() != "pos-001" {
		t.Fatalf("source id %q", payload.SourceId())
	}
	if !payload.TotalAmount().Equal(decimal.NewFromInt(750000)) {
		t.Fatalf("total %s", payload.TotalAmount())
	}
	if payload.Raw["payment_method"] != "cash" {
		t.Fatal("raw fields must survive for rule evaluation")
	}
}

func TestParseEventPayload_PurchaseKeepsBillId(t *testing.T) {
	raw := []byte(`{"source_id":"po-7","total_amount":3000,"payment_method":"credit","bill_id":42}`)
	payload, err := ParseEventPayload(EventTypePurchaseCompleted, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if payload.Purchase == nil || payload.Purchase.BillId != 42 {
		t.Fatal("bill id must decode on purchase payloads")
	}
}

func TestParseEventPayload_Rejections(t *testing.T) {
	cases := []struct {
		name      string
		eventType EventType
		raw       string
	}{
		{"empty payload", EventTypeSaleCompleted, ""},
		{"not json", EventTypeSaleCompleted, "oops"},
		{"unknown event type", EventType("refund.issued"), `{"source_id":"x","total_amount":1,"payment_method":"cash"}`},
		{"missing source id", EventTypeSaleCompleted, `{"total_amount":1,"payment_method":"cash"}`},
		{"missing payment method", EventTypeSaleCompleted, `{"source_id":"x","total_amount":1}`},
		{"unsupported payment method", EventTypeSaleCompleted, `{"source_id":"x","total_amount":1,"payment_method":"iou"}`},
		{"zero amount", EventTypeExpenseRecorded, `{"source_id":"x","total_amount":0,"payment_method":"cash"}`},
		{"negative amount", EventTypePurchaseCompleted, `{"source_id":"x","total_amount":-5,"payment_method":"cash"}`},
	}
	for _, tc := range cases {
		_, err := ParseEventPayload(tc.eventType, []byte(tc.raw))
		if err == nil {
			t.Errorf("%s: expected an error", tc.name)
			continue
		}
		if !utils.IsValidationError(err) {
			t.Errorf("%s: expected ValidationError, got %T: %v", tc.name, err, err)
		}
	}
}
