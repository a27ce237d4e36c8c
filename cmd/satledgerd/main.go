package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/satledger/internal/config"
	"github.com/MarkoPoloResearchLab/satledger/internal/payments"
	"github.com/MarkoPoloResearchLab/satledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	envPrefix = "SATLEDGER"

	flagConfigFile           = "config"
	flagDatabaseURL          = "database-url"
	flagOpsListenAddr        = "ops-listen-addr"
	flagAllowedOrigins       = "allowed-origins"
	flagCurrency             = "currency"
	flagRedisAddr            = "redis-addr"
	flagRedisPassword        = "redis-password"
	flagRedisDB              = "redis-db"
	flagLNDHost              = "lnd-host"
	flagLNDTLSCert           = "lnd-tls-cert"
	flagLNDMacaroon          = "lnd-macaroon"
	flagLNDNetwork           = "lnd-network"
	flagReconcileInterval    = "reconcile-interval"
	flagDispatchTimeout      = "dispatch-timeout"
	flagMinPendingAge        = "min-pending-age"
	flagReconcileConcurrency = "reconcile-concurrency"
	flagDriftAlertSats       = "drift-alert-sats"
	flagDriftAlertStreak     = "drift-alert-streak"
	flagFeeFlatSats          = "fee-flat-sats"
	flagFeeBasisPoints       = "fee-basis-points"
	flagReserveFlatSats      = "reserve-flat-sats"
	flagReserveBasisPoints   = "reserve-basis-points"
	flagIntraledgerLimit     = "intraledger-limit"
	flagIntraledgerWindow    = "intraledger-window"
	flagWithdrawalLimit      = "withdrawal-limit"
	flagWithdrawalWindow     = "withdrawal-window"
	flagRewardCatalog        = "reward-catalog"
	flagFeeAccount           = "fee-account"
	flagEscrowAccount        = "escrow-account"
	flagInFlightAccount      = "in-flight-account"
	flagSuspenseAccount      = "suspense-account"
	flagRewardAccount        = "reward-account"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "satledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "satledgerd",
		Short:         "Custodial Bitcoin/Lightning ledger daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
	}
	registerFlags(cmd)
	cmd.AddCommand(
		newServeCommand(cfg),
		newReconcileCommand(cfg),
		newCheckBalanceCommand(cfg),
		newGrantRewardCommand(cfg),
		newSendIntraledgerCommand(cfg),
	)
	return cmd
}

func registerFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagConfigFile, "", "optional YAML config file")
	flags.String(flagDatabaseURL, "", "postgres://, sqlite:// or memory:// database url")
	flags.String(flagOpsListenAddr, "", "ops API listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated origins allowed to call the ops API from a browser")
	flags.String(flagCurrency, "", "ledger currency code")
	flags.String(flagRedisAddr, "", "redis address for rate-limit counters (empty keeps counters in memory)")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Int(flagRedisDB, 0, "redis database number")
	flags.String(flagLNDHost, "", "lnd gRPC host:port (empty disables Lightning)")
	flags.String(flagLNDTLSCert, "", "lnd tls.cert path")
	flags.String(flagLNDMacaroon, "", "lnd admin.macaroon path")
	flags.String(flagLNDNetwork, "", "bitcoin network of the lnd node")
	flags.Duration(flagReconcileInterval, 0, "escrow and pending payment reconciliation interval")
	flags.Duration(flagDispatchTimeout, 0, "how long a Lightning send waits for a terminal status")
	flags.Duration(flagMinPendingAge, 0, "minimum age before a pending payment is queried")
	flags.Int(flagReconcileConcurrency, 0, "parallel pending payment queries")
	flags.Int64(flagDriftAlertSats, 0, "escrow drift that raises an alert")
	flags.Int(flagDriftAlertStreak, 0, "consecutive drifting cycles that raise an alert")
	flags.Int64(flagFeeFlatSats, 0, "flat intraledger fee")
	flags.Int64(flagFeeBasisPoints, 0, "proportional intraledger fee in basis points")
	flags.Int64(flagReserveFlatSats, 0, "flat Lightning routing fee reserve")
	flags.Int64(flagReserveBasisPoints, 0, "proportional Lightning routing fee reserve in basis points")
	flags.Int64(flagIntraledgerLimit, 0, "intraledger sends per window")
	flags.Duration(flagIntraledgerWindow, 0, "intraledger rate limit window")
	flags.Int64(flagWithdrawalLimit, 0, "Lightning sends per window")
	flags.Duration(flagWithdrawalWindow, 0, "Lightning rate limit window")
	flags.String(flagRewardCatalog, "", "reward catalog as id=sats pairs separated by commas")
	flags.String(flagFeeAccount, "", "fee income account id")
	flags.String(flagEscrowAccount, "", "escrow account id")
	flags.String(flagInFlightAccount, "", "in-flight account id")
	flags.String(flagSuspenseAccount, "", "suspense account id")
	flags.String(flagRewardAccount, "", "reward funding account id")
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *config.Config) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if configFile := settings.GetString(flagConfigFile); configFile != "" {
		settings.SetConfigFile(configFile)
		if err := settings.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	catalog, err := config.ParseRewardCatalog(settings.GetString(flagRewardCatalog))
	if err != nil {
		return err
	}
	*cfg = config.Config{
		DatabaseURL:           settings.GetString(flagDatabaseURL),
		OpsListenAddr:         settings.GetString(flagOpsListenAddr),
		AllowedOrigins:        config.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins)),
		Currency:              settings.GetString(flagCurrency),
		RedisAddr:             settings.GetString(flagRedisAddr),
		RedisPassword:         settings.GetString(flagRedisPassword),
		RedisDB:               settings.GetInt(flagRedisDB),
		ReconcileInterval:     settings.GetDuration(flagReconcileInterval),
		DispatchTimeout:       settings.GetDuration(flagDispatchTimeout),
		MinPendingAge:         settings.GetDuration(flagMinPendingAge),
		ReconcileConcurrency:  settings.GetInt(flagReconcileConcurrency),
		DriftAlertSats:        settings.GetInt64(flagDriftAlertSats),
		ConsecutiveDriftAlert: settings.GetInt(flagDriftAlertStreak),
		Fees: payments.FeePolicy{
			IntraledgerFlatSats:    settings.GetInt64(flagFeeFlatSats),
			IntraledgerBasisPoints: settings.GetInt64(flagFeeBasisPoints),
			ReserveFlatSats:        settings.GetInt64(flagReserveFlatSats),
			ReserveBasisPoints:     settings.GetInt64(flagReserveBasisPoints),
		},
		IntraledgerLimit: ratelimit.Policy{
			Ceiling: settings.GetInt64(flagIntraledgerLimit),
			Window:  settings.GetDuration(flagIntraledgerWindow),
		},
		WithdrawalLimit: ratelimit.Policy{
			Ceiling: settings.GetInt64(flagWithdrawalLimit),
			Window:  settings.GetDuration(flagWithdrawalWindow),
		},
		RewardCatalog:     catalog,
		FeeAccountID:      settings.GetString(flagFeeAccount),
		EscrowAccountID:   settings.GetString(flagEscrowAccount),
		InFlightAccountID: settings.GetString(flagInFlightAccount),
		SuspenseAccountID: settings.GetString(flagSuspenseAccount),
		RewardAccountID:   settings.GetString(flagRewardAccount),
	}
	cfg.LND.Host = settings.GetString(flagLNDHost)
	cfg.LND.TLSCertPath = settings.GetString(flagLNDTLSCert)
	cfg.LND.MacaroonPath = settings.GetString(flagLNDMacaroon)
	cfg.LND.Network = settings.GetString(flagLNDNetwork)
	return cfg.Validate()
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ops API and the reconciliation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	app, err := buildRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer app.Close()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return app.opsServer.Run(groupCtx, cfg.OpsListenAddr)
	})
	if app.adminWallet != nil {
		group.Go(func() error {
			return app.adminWallet.Run(groupCtx, ticker.New(cfg.ReconcileInterval))
		})
	} else {
		app.logger.Warn("lightning disabled, reconciliation loop not started")
	}
	app.logger.Info("satledgerd started",
		zap.String("ops_listen_addr", cfg.OpsListenAddr),
		zap.Bool("lightning", cfg.LightningEnabled()),
		zap.Int("rewards", len(cfg.RewardCatalog)),
	)
	err = group.Wait()
	app.logger.Info("shutdown complete")
	return err
}

func newReconcileCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve pending payments and sync escrow once",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildRuntime(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.adminWallet == nil {
				return fmt.Errorf("reconcile needs an lnd node: set --%s", flagLNDHost)
			}
			pending, pendingErr := app.adminWallet.UpdatePendingPayments(cmd.Context())
			escrow, escrowErr := app.adminWallet.UpdateEscrows(cmd.Context())
			summary := map[string]any{
				"escrow": map[string]any{
					"channel_balance_sats": escrow.ChannelBalance.Int64(),
					"book_value_sats":      escrow.BookValueBefore.Int64(),
					"in_flight_sats":       escrow.InFlightHeld.Int64(),
					"drift_sats":           escrow.Drift.Int64(),
					"transaction_id":       escrow.TransactionID.String(),
					"alert":                escrow.Alert,
				},
				"pending": pending,
			}
			if writeErr := writeJSON(cmd.OutOrStdout(), summary); writeErr != nil {
				return writeErr
			}
			if err := errors.Join(escrowErr, pendingErr); err != nil {
				return fmt.Errorf("reconcile incomplete: %w", err)
			}
			return nil
		},
	}
}

func newCheckBalanceCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "check-balance",
		Short: "Verify the journal sums to zero per currency",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildRuntime(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()
			report, checkErr := app.ledger.CheckGlobalBalance(cmd.Context())
			totals := make(map[string]int64, len(report.Totals))
			for _, total := range report.Totals {
				totals[total.Currency.String()] = total.Total.Int64()
			}
			if writeErr := writeJSON(cmd.OutOrStdout(), map[string]any{"balanced": report.Balanced, "totals": totals}); writeErr != nil {
				return writeErr
			}
			return checkErr
		},
	}
}

func newGrantRewardCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "grant-reward <account-id> <reward-id>",
		Short: "Credit a catalog reward to an account at most once",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := ledger.NewAccountID(args[0])
			if err != nil {
				return err
			}
			rewardID, err := ledger.NewRewardID(args[1])
			if err != nil {
				return err
			}
			app, err := buildRuntime(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()
			result, err := app.rewards.AddEarn(cmd.Context(), accountID, rewardID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"status":         string(result.Status),
				"transaction_id": result.TransactionID.String(),
			})
		},
	}
}

func newSendIntraledgerCommand(cfg *config.Config) *cobra.Command {
	var memo string
	cmd := &cobra.Command{
		Use:   "send-intraledger <sender-wallet-id> <recipient-wallet-id> <sats>",
		Short: "Move sats between two wallets of this ledger",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[2], err)
			}
			app, err := buildRuntime(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()
			result, err := app.orchestrator.SendIntraledger(cmd.Context(), payments.IntraledgerRequest{
				SenderWalletID:    args[0],
				RecipientWalletID: args[1],
				AmountSats:        amount,
				Memo:              memo,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"status":         string(result.Status),
				"transaction_id": result.TransactionID.String(),
				"fee_sats":       result.Fee.Int64(),
			})
		},
	}
	cmd.Flags().StringVar(&memo, "memo", "", "memo stored on both entries")
	return cmd
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
