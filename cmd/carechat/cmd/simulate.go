package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do/v2"
	"github.com/spf13/cobra"

	"github.com/nfrund/carechat/internal/app"
	"github.com/nfrund/carechat/internal/domain"
	"github.com/nfrund/carechat/internal/providersim"
)

var (
	simChannel  string
	simStaff    string
	simPatient  string
	simInternal bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an in-memory provider for local development",
	Long: `simulate serves the provider REST API and push stream from memory on
CARECHAT_SIM_ADDR, seeded with one demo channel.

Examples:
  # Terminal 1
  carechat simulate
  # Terminal 2
  carechat session demo -p nurse-1 --role staff
  # Terminal 3
  carechat session demo -p patient-1 --role patient`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().StringVar(&simChannel, "channel", "demo", "Id of the seeded channel")
	simulateCmd.Flags().StringVar(&simStaff, "staff", "nurse-1", "Staff participant of the seeded channel")
	simulateCmd.Flags().StringVar(&simPatient, "patient", "patient-1", "Patient participant of the seeded channel")
	simulateCmd.Flags().BoolVar(&simInternal, "internal", false, "Seed an internal staff-to-staff channel")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	injector := app.NewInjector(cfg)
	defer injector.Shutdown()

	sim, err := do.Invoke[*providersim.Server](injector)
	if err != nil {
		return err
	}

	ch := domain.Channel{
		ID:   simChannel,
		Kind: domain.KindStaffInitiated,
		Participants: []domain.Participant{
			{ID: simStaff, DisplayName: simStaff, Role: domain.RoleStaff},
			{ID: simPatient, DisplayName: simPatient, Role: domain.RolePatient},
		},
	}
	if simInternal {
		ch.Kind = domain.KindInternal
		ch.Participants[1].Role = domain.RoleStaff
	}
	if _, err := sim.Store().CreateChannel(ch); err != nil && !errors.Is(err, providersim.ErrChannelExists) {
		return fmt.Errorf("seed channel: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded channel %q with %s (staff) and %s\n", ch.ID, simStaff, simPatient)

	return sim.ListenAndServe(ctx, cfg.SimAddr)
}
