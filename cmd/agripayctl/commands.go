package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ignatzorin/agripay-backend/internal/app"
	"github.com/ignatzorin/agripay-backend/internal/config"
	"github.com/ignatzorin/agripay-backend/internal/db"
	"github.com/ignatzorin/agripay-backend/internal/ledger"
	"github.com/ignatzorin/agripay-backend/internal/logger"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/service"
)

func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.LogLevel, cfg.IsProduction())
	return cfg, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Применить SQL миграции к PostgreSQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if cfg.StorageDriver != config.StorageDriverPostgres {
				return fmt.Errorf("migrate: требуется STORAGE_DRIVER=postgres")
			}

			conn, err := db.NewPostgres(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer conn.Close()

			ran, err := db.RunMigrations(cmd.Context(), conn, cfg.MigrationsPath)
			if err != nil {
				return err
			}
			if len(ran) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "новых миграций нет")
				return nil
			}
			for _, name := range ran {
				fmt.Fprintln(cmd.OutOrStdout(), "применена:", name)
			}
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	var walletID string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Сверить кэшированные балансы с журналом проводок",
		Long: `Пересчитывает баланс и резерв каждого кошелька по журналу проводок
и сравнивает с сохранёнными значениями. Завершается с ошибкой при расхождении.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			stores, err := app.OpenStores(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer stores.Close()

			return runReconcile(cmd.Context(), cmd.OutOrStdout(), app.NewServices(cfg, stores, nil).Wallets, walletID)
		},
	}

	cmd.Flags().StringVar(&walletID, "wallet", "", "сверить только указанный кошелёк")
	return cmd
}

func runReconcile(ctx context.Context, out io.Writer, wallets *service.WalletService, walletID string) error {
	var reports []*ledger.Reconciliation
	if walletID != "" {
		id, err := uuid.Parse(walletID)
		if err != nil {
			return fmt.Errorf("reconcile: некорректный --wallet: %w", err)
		}
		r, err := wallets.Reconcile(ctx, models.SystemActor, id)
		if err != nil {
			return err
		}
		reports = append(reports, r)
	} else {
		all, err := wallets.ReconcileAll(ctx, models.SystemActor)
		if err != nil {
			return err
		}
		reports = all
	}

	enc := json.NewEncoder(out)
	mismatched := 0
	for _, r := range reports {
		if r.Consistent() {
			continue
		}
		mismatched++
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "проверено кошельков: %d, расхождений: %d\n", len(reports), mismatched)
	if mismatched > 0 {
		return fmt.Errorf("reconcile: найдено расхождений: %d", mismatched)
	}
	return nil
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Выпустить access токен для отладки и сервисных клиентов",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return runToken(cmd.OutOrStdout(), service.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL), userID, role, ttl)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "ID пользователя (по умолчанию новый UUID)")
	cmd.Flags().StringVar(&role, "role", models.RoleUser, "роль: user, agent или admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "время жизни токена (по умолчанию ACCESS_TOKEN_TTL)")
	return cmd
}

func runToken(out io.Writer, tokens *service.TokenManager, userID, role string, ttl time.Duration) error {
	id := uuid.New()
	if userID != "" {
		parsed, err := uuid.Parse(userID)
		if err != nil {
			return fmt.Errorf("token: некорректный --user: %w", err)
		}
		id = parsed
	}

	token, expiresAt, err := tokens.Issue(id, role, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "user_id: %s\nexpires_at: %s\n%s\n", id, expiresAt.Format(time.RFC3339), token)
	return nil
}
