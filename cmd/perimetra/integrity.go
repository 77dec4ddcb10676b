package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perimetra/perimetra-oss/pkg/crossing"
	"github.com/perimetra/perimetra-oss/pkg/domain"
	"github.com/perimetra/perimetra-oss/pkg/storage"
	"github.com/perimetra/perimetra-oss/pkg/trust"
)

// newVerifyCmd creates the verify command
func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <boundary-id>",
		Short: "Verify boundary integrity",
		Long: `Runs an integrity verification against the boundary definition and
prints the sealed record: per-category checks, violations found, and the
resulting confidence. --latest and --history read previously recorded
verifications instead of running a new one.`,
		Args: cobra.ExactArgs(1),
		RunE: runVerify,
	}

	cmd.Flags().String("kind", string(domain.VerificationComprehensive), "Verification kind (comprehensive, control_verification, seal_validation, mutation_detection, attestation_verification, compliance_checking)")
	cmd.Flags().Bool("latest", false, "Print the most recent recorded verification")
	cmd.Flags().Bool("history", false, "Print all recorded verifications for the boundary")

	return cmd
}

func runVerify(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	latest, err := boolFlag(cmd, "latest")
	if err != nil {
		return err
	}
	history, err := boolFlag(cmd, "history")
	if err != nil {
		return err
	}
	if latest && history {
		return fmt.Errorf("%w: --latest and --history are mutually exclusive", domain.ErrValidation)
	}

	boundaryID := args[0]
	switch {
	case latest:
		record, err := rt.verifier.Latest(cmd.Context(), boundaryID)
		if err != nil {
			return err
		}
		return printJSON(cmd, record)
	case history:
		records, err := rt.verifier.History(cmd.Context(), boundaryID)
		if err != nil {
			return err
		}
		return printJSON(cmd, records)
	default:
		kindFlag, err := stringFlag(cmd, "kind")
		if err != nil {
			return err
		}
		kind := domain.VerificationKind(kindFlag)
		if !kind.IsValid() {
			return fmt.Errorf("%w: unknown verification kind %q", domain.ErrValidation, kindFlag)
		}
		record, err := rt.verifier.Verify(cmd.Context(), boundaryID, kind)
		if err != nil {
			return err
		}
		return printJSON(cmd, record)
	}
}

// newReportViolationCmd creates the report-violation command
func newReportViolationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report-violation <boundary-id>",
		Short: "Record an externally observed boundary violation",
		Long: `Records a violation observed outside the verifier's own checks, such as
a finding from a network scanner or an incident review. The violation lands
in a sealed verification record on the boundary's history.`,
		Args: cobra.ExactArgs(1),
		RunE: runReportViolation,
	}

	cmd.Flags().String("kind", "", "Violation kind (control_bypass, seal_broken, unauthorized_mutation, invalid_attestation, compliance_failure)")
	cmd.Flags().String("severity", "", "Severity (low, medium, high, critical)")
	cmd.Flags().String("evidence", "", "What was observed")

	return cmd
}

func runReportViolation(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	kindFlag, err := stringFlag(cmd, "kind")
	if err != nil {
		return err
	}
	severityFlag, err := stringFlag(cmd, "severity")
	if err != nil {
		return err
	}
	evidence, err := stringFlag(cmd, "evidence")
	if err != nil {
		return err
	}

	if kindFlag == "" {
		return fmt.Errorf("%w: --kind is required", domain.ErrValidation)
	}
	if severityFlag == "" {
		return fmt.Errorf("%w: --severity is required", domain.ErrValidation)
	}
	severity := domain.Severity(severityFlag)
	if !severity.IsValid() {
		return fmt.Errorf("%w: unknown severity %q", domain.ErrValidation, severityFlag)
	}

	record, err := rt.verifier.ReportViolation(cmd.Context(), args[0], domain.ViolationKind(kindFlag), evidence, severity)
	if err != nil {
		return err
	}
	return printJSON(cmd, record)
}

// trustReport is the trust verb's output for a single entity.
type trustReport struct {
	EntityID string                   `json:"entity_id"`
	Score    float64                  `json:"score"`
	Events   []domain.TrustDecayEvent `json:"events,omitempty"`
}

// newTrustCmd creates the trust command
func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust [entity-id]",
		Short: "Report trust standing derived from the crossing history",
		Long: `Rebuilds the trust ledger from the persisted crossing store and prints
either every tracked entity's score or, with an entity ID, that entity's
score and the decay events behind it. Scores start at 1.0 and decay with
denied, failed, and unauthorized crossings.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runTrust,
	}
}

func runTrust(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	ledger, err := replayTrust(cmd, rt)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		entityID := args[0]
		return printJSON(cmd, trustReport{
			EntityID: entityID,
			Score:    ledger.Score(entityID),
			Events:   ledger.Events(entityID),
		})
	}
	return printJSON(cmd, ledger.Scores())
}

// replayTrust folds the full crossing history into a fresh ledger. Trust
// standing is derived state: the store is the evidence, the ledger a view.
func replayTrust(cmd *cobra.Command, rt *runtime) (*trust.Ledger, error) {
	requests, err := rt.crossings.List(cmd.Context(), storage.CrossingFilter{})
	if err != nil {
		return nil, err
	}

	ledger := trust.NewLedger(rt.logger)
	decay := decayConfig(rt.cfg)
	for _, request := range requests {
		for _, event := range crossing.ImpliedDecay(request, decay) {
			ledger.RecordDecay(event)
		}
	}
	return ledger, nil
}

// newBoundariesCmd creates the boundaries command
func newBoundariesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boundaries [boundary-id]",
		Short: "Show registered trust boundaries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			if len(args) == 1 {
				boundary, err := rt.registry.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, boundary)
			}
			boundaries, err := rt.registry.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, boundaries)
		},
	}
}
