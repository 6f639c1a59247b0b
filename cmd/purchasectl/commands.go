package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/purchases/internal/app"
	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/service/purchase"
)

const operatorName = "purchasectl"

// session: сервис покупок, собранный по конфигурации CLI.
type session struct {
	cfg  app.Config
	deps *app.Dependencies
	svc  *purchase.Service
}

func openSession(ctx context.Context, configPath string) (*session, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	deps, err := app.NewDependencies(ctx, cfg, log.WithField("component", operatorName))
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, deps: deps, svc: app.NewPurchaseService(cfg, deps)}, nil
}

func (s *session) Close() { s.deps.Close() }

// withSession открывает зависимости на время команды с отменой по SIGINT/SIGTERM.
func withSession(cmd *cobra.Command, configPath string, fn func(ctx context.Context, s *session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Cancel purchases whose reservation has expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, *configPath, func(ctx context.Context, s *session) error {
				res, err := app.NewSweeper(s.cfg, s.deps, s.svc).SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired=%d skipped=%d failed=%d\n", res.Expired, res.Skipped, res.Failed)
				return nil
			})
		},
	}
}

func cancelCmd(configPath *string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <purchase-id>",
		Short: "Cancel a purchase and release its reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, *configPath, func(ctx context.Context, s *session) error {
				p, err := s.svc.Cancel(ctx, domain.SystemActor(operatorName), args[0], reason)
				if err != nil {
					return describe(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", p.ID, p.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "cancelled by operator", "Reason recorded in history")
	return cmd
}

func transitionCmd(configPath *string) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "transition <purchase-id> <state>",
		Short: "Move an order to confirmed, cancelled, shipped or finished",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, *configPath, func(ctx context.Context, s *session) error {
				p, err := s.svc.Transition(ctx, domain.SystemActor(operatorName), args[0], domain.PurchaseState(args[1]), notes)
				if err != nil {
					return describe(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", p.ID, p.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&notes, "notes", "n", "", "Notes recorded in history")
	return cmd
}

func showCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <purchase-id>",
		Short: "Print a purchase with its payment and history as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, *configPath, func(ctx context.Context, s *session) error {
				details, err := s.svc.Get(ctx, domain.SystemActor(operatorName), args[0])
				if err != nil {
					return describe(err)
				}
				return printJSON(cmd.OutOrStdout(), details)
			})
		},
	}
}

func seedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load matches, campaigns and ledger capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := app.LoadSeed(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, *configPath, func(ctx context.Context, s *session) error {
				return seed.Apply(ctx, s.deps.Store, s.deps.Logger)
			})
		},
	}
}

// describe дополняет ошибку её видом, чтобы оператор отличал отказ правил от сбоя.
func describe(err error) error {
	return fmt.Errorf("%s: %w", domain.KindOf(err), err)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
