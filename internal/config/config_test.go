package config

import (
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/internal/lightning/lndclient"
	"github.com/MarkoPoloResearchLab/satledger/internal/payments"
	"github.com/MarkoPoloResearchLab/satledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
)

func TestValidateFillsDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.DatabaseURL != defaultDatabaseURL || cfg.OpsListenAddr != defaultOpsListenAddr {
		test.Fatalf("unexpected defaults %q %q", cfg.DatabaseURL, cfg.OpsListenAddr)
	}
	if cfg.Currency != "BTC" || cfg.LND.Network != "mainnet" {
		test.Fatalf("unexpected currency or network %q %q", cfg.Currency, cfg.LND.Network)
	}
	if cfg.ReconcileInterval != time.Minute || cfg.MinPendingAge != 2*time.Minute || cfg.ReconcileConcurrency != 4 {
		test.Fatalf("unexpected reconcile defaults %+v", cfg)
	}
	if cfg.LightningEnabled() {
		test.Fatalf("lightning should be disabled without a host")
	}
	accounts, err := cfg.SystemAccounts()
	if err != nil {
		test.Fatalf("system accounts: %v", err)
	}
	if accounts != ledger.DefaultSystemAccounts() {
		test.Fatalf("unexpected system accounts %+v", accounts)
	}
	policies := cfg.RateLimitPolicies()
	if policies[ratelimit.KindIntraledger].Ceiling != defaultIntraledgerCeiling || policies[ratelimit.KindWithdrawal].Window != 24*time.Hour {
		test.Fatalf("unexpected policies %+v", policies)
	}
}

func TestValidateRejects(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		cfg  Config
	}{
		{name: "negative fee", cfg: Config{Fees: payments.FeePolicy{IntraledgerFlatSats: -1}}},
		{name: "unknown network", cfg: Config{LND: lndclient.Config{Network: "litecoin"}}},
		{name: "lnd host without credentials", cfg: Config{LND: lndclient.Config{Host: "localhost:10009"}}},
		{name: "duplicate system accounts", cfg: Config{FeeAccountID: "system:escrow"}},
		{name: "negative redis db", cfg: Config{RedisDB: -1}},
		{name: "bad currency", cfg: Config{Currency: "bitcoin"}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if err := testCase.cfg.Validate(); err == nil {
				test.Fatalf("expected validation error")
			}
		})
	}
}

func TestRewardCatalogRoundTrip(test *testing.T) {
	test.Parallel()
	catalog, err := ParseRewardCatalog(" whatIsBitcoin=100, sat=1 ,,")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if len(catalog) != 2 || catalog["whatIsBitcoin"] != 100 || catalog["sat"] != 1 {
		test.Fatalf("unexpected catalog %v", catalog)
	}
	if formatted := FormatRewardCatalog(catalog); formatted != "sat=1,whatIsBitcoin=100" {
		test.Fatalf("unexpected format %q", formatted)
	}
	for _, raw := range []string{"noamount", "=5", "x=abc"} {
		if _, err := ParseRewardCatalog(raw); err == nil {
			test.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	origins := ParseAllowedOrigins(" https://ops.example.com, ,http://localhost:3000 ")
	if len(origins) != 2 || origins[0] != "https://ops.example.com" || origins[1] != "http://localhost:3000" {
		test.Fatalf("unexpected origins %v", origins)
	}
	if len(ParseAllowedOrigins("  ")) != 0 {
		test.Fatalf("expected no origins")
	}
}
