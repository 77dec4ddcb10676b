package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/perimetra/perimetra-oss/pkg/authz"
	"github.com/perimetra/perimetra-oss/pkg/domain"
	"github.com/perimetra/perimetra-oss/pkg/storage"
	"github.com/perimetra/perimetra-oss/pkg/telemetry"
)

// policyAuthorizerID identifies decisions recorded by the embedded policy
// engine, as opposed to a named human or service authorizer.
const policyAuthorizerID = "policy-engine"

// newSubmitCmd creates the submit command
func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a crossing request for validation",
		Long: `Submits a new crossing request against the target boundary and runs it
through the boundary's validation controls. The printed record shows how far
the request travelled: authorization_pending when every control passed,
validation_failed when a control rejected it.`,
		RunE: runSubmit,
	}

	cmd.Flags().String("id", "", "Request ID (generated when empty)")
	cmd.Flags().String("source", "", "Source boundary ID")
	cmd.Flags().String("target", "", "Target boundary ID")
	cmd.Flags().String("requester", "", "Identity requesting the crossing")
	cmd.Flags().String("kind", string(domain.RequestDataTransfer), "Request kind (data_transfer, control_transfer, authentication, authorization, query, configuration)")
	cmd.Flags().String("direction", string(domain.DirectionInbound), "Crossing direction (inbound, outbound, bidirectional)")
	cmd.Flags().String("classification", string(domain.ClassificationInternal), "Payload classification (public, internal, confidential, restricted, critical)")
	cmd.Flags().String("content-hash", "", "Hash of the payload content")
	cmd.Flags().StringArray("data", nil, "Payload data as key=value (repeatable)")

	return cmd
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	flags := map[string]string{}
	for _, name := range []string{"id", "source", "target", "requester", "kind", "direction", "classification", "content-hash"} {
		value, err := stringFlag(cmd, name)
		if err != nil {
			return err
		}
		flags[name] = value
	}
	dataPairs, err := cmd.Flags().GetStringArray("data")
	if err != nil {
		return fmt.Errorf("failed to get data flag: %w", err)
	}

	if flags["target"] == "" {
		return fmt.Errorf("%w: --target is required", domain.ErrValidation)
	}
	if flags["requester"] == "" {
		return fmt.Errorf("%w: --requester is required", domain.ErrValidation)
	}
	kind := domain.RequestKind(flags["kind"])
	if !kind.IsValid() {
		return fmt.Errorf("%w: unknown request kind %q", domain.ErrValidation, flags["kind"])
	}
	direction := domain.Direction(flags["direction"])
	if !direction.IsValid() {
		return fmt.Errorf("%w: unknown direction %q", domain.ErrValidation, flags["direction"])
	}
	classification := domain.Classification(flags["classification"])
	if !classification.IsValid() {
		return fmt.Errorf("%w: unknown classification %q", domain.ErrValidation, flags["classification"])
	}

	pairs, err := parseKeyValues(dataPairs)
	if err != nil {
		return err
	}
	var data map[string]any
	if len(pairs) > 0 {
		data = make(map[string]any, len(pairs))
		for key, value := range pairs {
			data[key] = value
		}
	}

	request := &domain.CrossingRequest{
		ID:               flags["id"],
		SourceBoundaryID: flags["source"],
		TargetBoundaryID: flags["target"],
		Kind:             kind,
		Direction:        direction,
		RequesterID:      flags["requester"],
		Payload: domain.Payload{
			Classification: classification,
			ContentHash:    flags["content-hash"],
			Data:           data,
		},
	}

	admitted, err := rt.coordinator.Submit(cmd.Context(), request)
	if err != nil {
		return err
	}
	return printJSON(cmd, admitted)
}

// newAuthorizeCmd creates the authorize command
func newAuthorizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authorize <request-id>",
		Short: "Record the authorization decision for a pending request",
		Long: `Records the single authorization decision for a request in
authorization_pending. With --authorizer the named identity decides
(--deny to refuse). With --policy the embedded policy engine evaluates the
request against the boundary definition and its decision is recorded.`,
		Args: cobra.ExactArgs(1),
		RunE: runAuthorize,
	}

	cmd.Flags().String("authorizer", "", "Identity recording the decision")
	cmd.Flags().Bool("deny", false, "Refuse the crossing instead of allowing it")
	cmd.Flags().String("reason", "", "Reason recorded with the decision")
	cmd.Flags().Bool("policy", false, "Let the policy engine decide")

	return cmd
}

func runAuthorize(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	authorizer, err := stringFlag(cmd, "authorizer")
	if err != nil {
		return err
	}
	deny, err := boolFlag(cmd, "deny")
	if err != nil {
		return err
	}
	reason, err := stringFlag(cmd, "reason")
	if err != nil {
		return err
	}
	usePolicy, err := boolFlag(cmd, "policy")
	if err != nil {
		return err
	}

	if usePolicy && authorizer != "" {
		return fmt.Errorf("%w: --policy and --authorizer are mutually exclusive", domain.ErrValidation)
	}
	if !usePolicy && authorizer == "" {
		return fmt.Errorf("%w: either --authorizer or --policy is required", domain.ErrValidation)
	}

	requestID := args[0]
	allow := !deny
	if usePolicy {
		decision, err := adviseRequest(cmd, rt, requestID)
		if err != nil {
			return err
		}
		authorizer = policyAuthorizerID
		allow = decision.Allow
		reason = decision.Reason
	}

	authorized, err := rt.coordinator.Authorize(cmd.Context(), requestID, authorizer, allow, reason)
	if err != nil {
		return err
	}
	return printJSON(cmd, authorized)
}

// adviseRequest evaluates the stored request with the policy engine. When a
// policy file is configured it replaces the built-in module outright, so an
// operator policy must define the default decision entrypoint itself.
func adviseRequest(cmd *cobra.Command, rt *runtime, requestID string) (authz.Decision, error) {
	modules := authz.DefaultModules()
	if rt.cfg.Authorizer.PolicyFile != "" {
		// #nosec G304 -- Policy file path comes from the operator's config.
		content, err := os.ReadFile(rt.cfg.Authorizer.PolicyFile)
		if err != nil {
			return authz.Decision{}, fmt.Errorf("reading policy file: %w", err)
		}
		modules = map[string]string{filepath.Base(rt.cfg.Authorizer.PolicyFile): string(content)}
	}

	engine, err := authz.NewEngine(cmd.Context(), authz.EngineOptions{Modules: modules})
	if err != nil {
		return authz.Decision{}, err
	}
	defer func() {
		if err := engine.Close(cmd.Context()); err != nil {
			rt.logger.Error("Policy engine close failed", "error", err)
		}
	}()

	advisor, err := authz.NewAdvisor(authz.AdvisorConfig{
		Evaluator: engine,
		Registry:  rt.registry,
		Logger:    rt.logger,
	})
	if err != nil {
		return authz.Decision{}, err
	}

	request, err := rt.coordinator.Get(cmd.Context(), requestID)
	if err != nil {
		return authz.Decision{}, err
	}

	ctx, span := otel.Tracer("perimetra.authz").Start(cmd.Context(), "authz.advise")
	defer span.End()
	decision, err := advisor.Advise(ctx, request)
	if err != nil {
		return authz.Decision{}, err
	}
	telemetry.RecordPolicyDecision(span, decision)
	return decision, nil
}

// newExecuteCmd creates the execute command
func newExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <request-id>",
		Short: "Execute an authorized crossing",
		Long: `Performs the crossing for a request in authorized state and records the
outcome. The printed record lands in completed or failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			executed, err := rt.coordinator.Execute(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, executed)
		},
	}
}

// newAttestCmd creates the attest command
func newAttestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attest <request-id>",
		Short: "Attach a signed attestation to a crossing request",
		Args:  cobra.ExactArgs(1),
		RunE:  runAttest,
	}

	cmd.Flags().String("attester", "", "Identity signing the attestation")
	cmd.Flags().StringArray("claim", nil, "Claim as key=value (repeatable)")

	return cmd
}

func runAttest(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	attester, err := stringFlag(cmd, "attester")
	if err != nil {
		return err
	}
	if attester == "" {
		return fmt.Errorf("%w: --attester is required", domain.ErrValidation)
	}
	claimPairs, err := cmd.Flags().GetStringArray("claim")
	if err != nil {
		return fmt.Errorf("failed to get claim flag: %w", err)
	}
	claims, err := parseKeyValues(claimPairs)
	if err != nil {
		return err
	}

	attested, err := rt.coordinator.Attest(cmd.Context(), args[0], attester, claims)
	if err != nil {
		return err
	}
	return printJSON(cmd, attested)
}

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show a crossing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			request, err := rt.coordinator.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, request)
		},
	}
}

// newListCmd creates the list command
func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List crossing requests",
		RunE:  runList,
	}

	cmd.Flags().String("boundary", "", "Only requests targeting this boundary")
	cmd.Flags().String("status", "", "Only requests in this status")

	return cmd
}

func runList(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	boundary, err := stringFlag(cmd, "boundary")
	if err != nil {
		return err
	}
	status, err := stringFlag(cmd, "status")
	if err != nil {
		return err
	}
	filter := storage.CrossingFilter{BoundaryID: boundary}
	if status != "" {
		parsed := domain.CrossingStatus(status)
		if !parsed.IsValid() {
			return fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
		}
		filter.Status = parsed
	}

	requests, err := rt.coordinator.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	return printJSON(cmd, requests)
}

// newTrailCmd creates the trail command
func newTrailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trail <request-id>",
		Short: "Show the audit trail of a crossing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			trail, err := rt.coordinator.AuditTrail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, trail)
		},
	}
}
