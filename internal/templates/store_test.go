package templates

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/wolfman30/wa-campaigns/internal/webhook"
)

func TestApplyStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := &Store{db: mock}
	mock.ExpectExec("UPDATE message_templates").
		WithArgs("rejected", "INVALID_FORMAT", "987654", "promo_a", "pt_BR").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	found, err := store.ApplyStatus(context.Background(), webhook.TemplateStatusUpdate{
		TemplateID: "987654", Name: "promo_a", Language: "pt_BR", Event: "REJECTED", Reason: "INVALID_FORMAT",
	})
	if err != nil || !found {
		t.Fatalf("expected update, got found=%v err=%v", found, err)
	}

	mock.ExpectExec("UPDATE message_templates").
		WithArgs("approved", "", "111", "", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	found, err = store.ApplyStatus(context.Background(), webhook.TemplateStatusUpdate{TemplateID: "111", Event: "APPROVED", Reason: "NONE"})
	if err != nil || found {
		t.Fatalf("expected no row, got found=%v err=%v", found, err)
	}

	if _, err := store.ApplyStatus(context.Background(), webhook.TemplateStatusUpdate{TemplateID: "1"}); err == nil {
		t.Fatalf("expected error for empty event")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
