package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ALLOWED_ORIGIN", "DATABASE_URL", "REDIS_ADDR", "AUTH_SECRET",
		"ACCESS_TOKEN_TTL_MINUTES", "POS_API_BASE_URL", "SYNC_INTERVAL_MINUTES",
		"BACKFILL_SOFT_LIMIT_MINUTES", "REPORTING_CURRENCY",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" || cfg.Address() != ":8080" {
		t.Fatalf("port = %q", cfg.Port)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("token ttl = %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.POSAPIBaseURL != "https://connect.squareup.com" {
		t.Fatalf("base url = %q", cfg.POSAPIBaseURL)
	}
	if cfg.POSAPIRequestsPerSecond != 10 || cfg.POSAPITimeoutSeconds != 30 {
		t.Fatalf("api limits = %d rps / %d s", cfg.POSAPIRequestsPerSecond, cfg.POSAPITimeoutSeconds)
	}
	if cfg.SyncIntervalMinutes != 15 || cfg.BackfillSoftLimitMinutes != 25 {
		t.Fatalf("intervals = %d / %d", cfg.SyncIntervalMinutes, cfg.BackfillSoftLimitMinutes)
	}
	if cfg.ReportingCurrency != "GBP" {
		t.Fatalf("reporting currency = %q", cfg.ReportingCurrency)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("REPORTING_CURRENCY", "usd")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "60")
	t.Setenv("BACKFILL_SOFT_LIMIT_MINUTES", "5")
	t.Setenv("AUTH_SECRET", "  padded-secret  ")

	cfg := Load()
	if cfg.Port != "9191" {
		t.Fatalf("port = %q", cfg.Port)
	}
	if cfg.ReportingCurrency != "USD" {
		t.Fatalf("reporting currency = %q, want uppercased", cfg.ReportingCurrency)
	}
	if cfg.AccessTokenTTLMinutes != 60 || cfg.BackfillSoftLimitMinutes != 5 {
		t.Fatalf("overrides = %d / %d", cfg.AccessTokenTTLMinutes, cfg.BackfillSoftLimitMinutes)
	}
	if cfg.AuthSecret != "padded-secret" {
		t.Fatalf("auth secret = %q, want trimmed", cfg.AuthSecret)
	}
}

func TestLoadRejectsGarbageNumbers(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "soon")
	t.Setenv("POS_API_REQUESTS_PER_SECOND", "-3")

	cfg := Load()
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("token ttl = %d, want default on parse failure", cfg.AccessTokenTTLMinutes)
	}
	if cfg.POSAPIRequestsPerSecond != 10 {
		t.Fatalf("rps = %d, want default for non-positive input", cfg.POSAPIRequestsPerSecond)
	}
}
