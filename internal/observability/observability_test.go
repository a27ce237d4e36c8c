package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/internal/adminwallet"
	"github.com/MarkoPoloResearchLab/satledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/satledger/internal/rewards"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapOperationLoggerLevels(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		err       error
		wantLevel zapcore.Level
		wantMsg   string
	}{
		{name: "committed", wantLevel: zapcore.InfoLevel, wantMsg: "ledger operation"},
		{name: "unbalanced", err: fmt.Errorf("%w: sum 5", ledger.ErrUnbalancedTransaction), wantLevel: zapcore.ErrorLevel, wantMsg: "unbalanced transaction rejected"},
		{name: "other failure", err: errors.New("disk full"), wantLevel: zapcore.WarnLevel, wantMsg: "ledger operation failed"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			core, logs := observer.New(zapcore.DebugLevel)
			metrics := NewMetrics(false)
			operationLogger := NewZapOperationLogger(zap.New(core), metrics)
			status := "ok"
			if testCase.err != nil {
				status = "error"
			}
			accountID, _ := ledger.NewAccountID("acct-1")
			operationLogger.LogOperation(context.Background(), ledger.OperationLog{
				Operation:  "commit",
				AccountIDs: []ledger.AccountID{accountID},
				EntryTypes: []ledger.EntryType{ledger.EntryIntraledger},
				Volume:     100,
				Status:     status,
				Error:      testCase.err,
			})
			entries := logs.All()
			if len(entries) != 1 {
				test.Fatalf("expected one entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.wantLevel || entries[0].Message != testCase.wantMsg {
				test.Fatalf("unexpected entry %s %q", entries[0].Level, entries[0].Message)
			}
			if entries[0].ContextMap()["volume_sats"] != int64(100) {
				test.Fatalf("missing volume field: %v", entries[0].ContextMap())
			}
			if got := testutil.ToFloat64(metrics.operations.WithLabelValues("commit", status)); got != 1 {
				test.Fatalf("expected operation counter 1, got %v", got)
			}
		})
	}
}

func TestMetricsHooks(test *testing.T) {
	test.Parallel()
	metrics := NewMetrics(false)
	metrics.ObservePayment(ledger.EntryLightning, "pending")
	metrics.ObservePayment(ledger.EntryLightning, "pending")
	metrics.ObserveRateLimitRejection(ratelimit.KindWithdrawal)
	metrics.ObserveRewardGrant(rewards.GrantStatusAlreadyGranted)
	metrics.ObserveResolution(ledger.PendingPaymentSettled)
	metrics.ObserveEscrow(adminwallet.EscrowReport{Drift: -250, ConsecutiveDrifts: 3, Alert: true})
	metrics.ObserveRequest("", http.MethodGet, "404", time.Millisecond)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{name: "payments", got: testutil.ToFloat64(metrics.payments.WithLabelValues("lightning", "pending")), want: 2},
		{name: "rate limit", got: testutil.ToFloat64(metrics.rateLimited.WithLabelValues("withdrawal")), want: 1},
		{name: "rewards", got: testutil.ToFloat64(metrics.rewardGrants.WithLabelValues(string(rewards.GrantStatusAlreadyGranted))), want: 1},
		{name: "resolutions", got: testutil.ToFloat64(metrics.resolutions.WithLabelValues("settled")), want: 1},
		{name: "drift", got: testutil.ToFloat64(metrics.escrowDrift), want: -250},
		{name: "streak", got: testutil.ToFloat64(metrics.consecutiveDrifts), want: 3},
		{name: "alerts", got: testutil.ToFloat64(metrics.driftAlerts), want: 1},
		{name: "requests", got: testutil.ToFloat64(metrics.httpRequests.WithLabelValues("unmatched", "GET", "404")), want: 1},
	}
	for _, check := range checks {
		if check.got != check.want {
			test.Errorf("%s: expected %v, got %v", check.name, check.want, check.got)
		}
	}

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(recorder.Body.String(), "satledger_escrow_drift_alerts_total 1") {
		test.Fatalf("exposition missing drift alerts:\n%s", recorder.Body.String())
	}
}
