package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ineyio/inferpool"
)

const commandTimeout = 2 * time.Minute

// withApp builds the app for a one-shot command and runs fn against it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the PostgreSQL tables of the configured stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.ensureSchema(ctx); err != nil {
				return err
			}
			a.logger.Info("schema ready")
			return nil
		})
	},
}

var migrateCredentialsCmd = &cobra.Command{
	Use:   "migrate-credentials",
	Short: "Re-seal stored credentials under the current master secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			n, err := a.registry.MigrateCredentials(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d credentials\n", n)
			return nil
		})
	},
}

var errDrift = errors.New("ledger balances drifted")

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare materialized balances with the transaction log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			drifts, err := a.ledger.Reconcile(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range drifts {
				fmt.Fprintln(out, d.String())
			}
			if len(drifts) > 0 {
				a.logger.Error("ledger drift detected", zap.Int("count", len(drifts)))
				return errDrift
			}
			fmt.Fprintln(out, "ledger consistent")
			return nil
		})
	},
}

var holdingsCmd = &cobra.Command{
	Use:   "reward-holdings",
	Short: "Credit today's holding rewards once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			n, err := a.rewarder.RewardHoldings(ctx, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credited %d providers\n", n)
			return nil
		})
	},
}

var (
	adjustOperator string
	adjustProvider string
	adjustReason   string
	adjustDelta    int64
)

var adjustCmd = &cobra.Command{
	Use:   "adjust IDENTITY",
	Short: "Append a manual points adjustment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			id, err := a.rewarder.Adjust(ctx, adjustOperator, args[0], adjustProvider, adjustDelta, adjustReason)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

func init() {
	adjustCmd.Flags().StringVar(&adjustOperator, "operator", "", "operator identity")
	adjustCmd.Flags().StringVar(&adjustProvider, "provider", "", "provider the adjustment relates to")
	adjustCmd.Flags().StringVar(&adjustReason, "reason", "", "reason recorded in the audit log")
	adjustCmd.Flags().Int64Var(&adjustDelta, "delta", 0, "signed points delta")
	_ = adjustCmd.MarkFlagRequired("operator")
	_ = adjustCmd.MarkFlagRequired("reason")
	_ = adjustCmd.MarkFlagRequired("delta")
}

func newProviderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage registered providers",
	}

	var owner, name string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a provider; the credential is read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := readCredential(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				id, err := a.registry.Register(ctx, inferpool.RegisterRequest{Owner: owner, Name: name, Credential: cred})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	register.Flags().StringVar(&owner, "owner", "", "owning identity")
	register.Flags().StringVar(&name, "name", "", "display name")
	_ = register.MarkFlagRequired("owner")

	var operator, reason string
	deactivate := &cobra.Command{
		Use:   "deactivate ID",
		Short: "Suspend a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.registry.ForceDeactivate(ctx, operator, args[0], reason)
			})
		},
	}
	activate := &cobra.Command{
		Use:   "activate ID",
		Short: "Clear a suspension and reset failure state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.registry.ForceActivate(ctx, operator, args[0], reason)
			})
		},
	}

	var score float64
	risk := &cobra.Command{
		Use:   "risk ID",
		Short: "Set a provider's risk score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.registry.SetRiskScore(ctx, operator, args[0], score, reason)
			})
		},
	}
	risk.Flags().Float64Var(&score, "score", 0, "risk score in [0,100]")
	_ = risk.MarkFlagRequired("score")

	for _, c := range []*cobra.Command{deactivate, activate, risk} {
		c.Flags().StringVar(&operator, "operator", "", "operator identity")
		c.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
		_ = c.MarkFlagRequired("operator")
		_ = c.MarkFlagRequired("reason")
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print provider health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				snaps, err := a.status.Health(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, s := range snaps {
					fmt.Fprintf(out, "%s\t%s\tactive=%t\tfailures=%d\n", s.ProviderID, s.Owner, s.Active, s.ConsecutiveFailures)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(register, deactivate, activate, risk, list)
	return cmd
}

func readCredential(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read credential: %w", err)
	}
	cred := strings.TrimSpace(line)
	if cred == "" {
		return "", errors.New("read credential: empty input")
	}
	return cred, nil
}
