package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/angelmondragon/marketplace-backend/pkg/migrate"
)

func TestMigrationsDirIsValid(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
}

func TestOrdersMigrationEnforcesMoneyInvariants(t *testing.T) {
	content := readMigration(t, "*_create_orders.sql")
	for _, sub := range []string{
		"CHECK (total_cents = subtotal_cents + shipping_cents + tax_cents - discount_cents)",
		"CHECK (commission_cents + vendor_cents = total_cents)",
		"CHECK (line_total_cents = unit_price_cents * quantity)",
		"DROP TABLE IF EXISTS orders",
	} {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestReconciliationMigrationCarriesDedupIndexes(t *testing.T) {
	content := readMigration(t, "*_create_payment_reconciliation.sql")
	for _, sub := range []string{
		"ux_payment_attempts_provider_ref ON payment_attempts (provider, provider_transaction_ref)",
		"ux_payment_attempts_open_per_order ON payment_attempts (order_id) WHERE status IN ('pending', 'processing')",
		"ux_webhook_receipts_key ON webhook_receipts (provider, provider_transaction_ref, result_code)",
	} {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestPayoutMigrationUniquePerOrder(t *testing.T) {
	content := readMigration(t, "*_create_payout_ledger_entries.sql")
	if !strings.Contains(content, "ux_payout_ledger_entries_order ON payout_ledger_entries (order_id)") {
		t.Fatalf("payout entries must be unique per order")
	}
}

func TestCreateSQLMigrationWritesTemplate(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateSQLMigration(dir, "Add Refund Notes!")
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if !strings.HasSuffix(path, "_add_refund_notes.sql") {
		t.Fatalf("unexpected filename %s", path)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("created migration should validate: %v", err)
	}
}

func readMigration(t *testing.T, pattern string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", pattern))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no migration matching %s", pattern)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}
