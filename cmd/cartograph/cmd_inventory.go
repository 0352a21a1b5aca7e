package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/aquasecurity/table"
	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/cartograph/internal/collector/aws"
	"github.com/yairfalse/cartograph/internal/fault"
	"github.com/yairfalse/cartograph/internal/query"
	"github.com/yairfalse/cartograph/internal/telemetry"
	"github.com/yairfalse/cartograph/orchestrator"
	"github.com/yairfalse/cartograph/pkg/resource"
)

var (
	invProfile     string
	invRegions     []string
	invServices    []string
	invAllServices bool
	invNoEKS       bool
	invEKSClusters []string
	invConcurrency int
	invAttempts    int
	invTaskTimeout time.Duration
	invRPS         float64
)

// inventoryCmd represents the inventory command
var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Collect resources from AWS into the inventory file",
	Long: `Collect resources from every selected service and region and upsert
them into the inventory file.

Each (service, region) pair runs as an independent task. Throttling and
network errors are retried with exponential backoff; permission errors are
reported and skipped. The run succeeds as long as the inventory file can be
written, and prints the pairs that failed so you can re-run them narrowly.

Interrupting a run stops new tasks, lets the ones in flight finish and
exits 0 with the partial report; everything written so far is kept.`,
	Example: `  cartograph inventory                                 # ec2 in the configured regions
  cartograph inventory --regions all --all-services    # everything, everywhere
  cartograph inventory --profile prod --services ec2,elb,rds --regions us-east-1,eu-west-1
  cartograph inventory --services eks --eks-clusters prod,staging
  cartograph inventory --all-services --no-eks`,
	RunE: runInventory,
}

func init() {
	rootCmd.AddCommand(inventoryCmd)

	f := inventoryCmd.Flags()
	f.StringVar(&invProfile, "profile", "", "AWS shared config profile")
	f.StringSliceVar(&invRegions, "regions", nil, "Regions to scan, or 'all'")
	f.StringSliceVar(&invServices, "services", nil, "Services to collect (default: ec2)")
	f.BoolVar(&invAllServices, "all-services", false, "Collect every supported service")
	f.BoolVar(&invNoEKS, "no-eks", false, "Skip EKS clusters and pods, overriding --services and --all-services")
	f.StringSliceVar(&invEKSClusters, "eks-clusters", nil, "Limit pod collection to these EKS clusters")
	f.IntVar(&invConcurrency, "concurrency", 0, "Maximum tasks in flight (default from config)")
	f.IntVar(&invAttempts, "max-attempts", 0, "Attempts per task for retryable errors (default from config)")
	f.DurationVar(&invTaskTimeout, "task-timeout", 0, "Timeout for a single task attempt (default from config)")
	f.Float64Var(&invRPS, "requests-per-second", 0, "Pace task attempts across the run (0 disables)")
}

func runInventory(cmd *cobra.Command, _ []string) error {
	applyInventoryFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, stopTelemetry, err := startTelemetry(ctx)
	if err != nil {
		return err
	}
	defer stopTelemetry()

	store, err := openStore(false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	services, unknown := selectServices(cfg.AWS.Services, cfg.AWS.AllServices, cfg.AWS.NoEKS)
	for _, name := range unknown {
		log.Warn().Str("service", name).Msg("unknown service, skipping")
	}

	sess, err := aws.NewSession(ctx, cfg.AWS.Profile)
	if err != nil {
		return err
	}
	regions, err := sess.Regions(ctx, cfg.AWS.Regions)
	if err != nil {
		_ = sess.Close()
		return err
	}

	all := aws.NewRegistry(sess, aws.Options{EKSClusters: cfg.AWS.EKSClusters})
	src, _ := all.Select(services)

	orch, err := orchestrator.NewOrchestrator(store, orchestrator.Options{
		Concurrency:       cfg.Inventory.Concurrency,
		MaxAttempts:       cfg.Inventory.MaxAttempts,
		InitialBackoff:    cfg.Inventory.InitialBackoff,
		MaxBackoff:        cfg.Inventory.MaxBackoff,
		TaskTimeout:       cfg.Inventory.TaskTimeout,
		RequestsPerSecond: cfg.Inventory.RequestsPerSecond,
		Logger:            telemetry.NewLogger("orchestrator"),
	})
	if err != nil {
		_ = src.Close()
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Collecting %s in %d region(s) into %s\n",
		joinServices(src.Services()), len(regions), store.Path())

	report, err := orch.Run(ctx, src, regions)
	if report != nil {
		printReport(cmd.OutOrStdout(), report)
	}
	return runResult(report, err)
}

// runResult maps a finished run onto the exit status. A canceled run keeps
// what it wrote and exits cleanly; store failures still fail the command.
func runResult(report *orchestrator.Report, err error) error {
	if report != nil && report.Canceled && fault.Is(err, fault.KindCanceled) {
		log.Warn().Int("skipped", report.Skipped).Msg("inventory canceled, collected resources were kept")
		return nil
	}
	return err
}

// applyInventoryFlags lets explicitly set flags override the config file.
func applyInventoryFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("profile") {
		cfg.AWS.Profile = invProfile
	}
	if f.Changed("regions") {
		cfg.AWS.Regions = query.SplitList(invRegions...)
	}
	if f.Changed("services") {
		cfg.AWS.Services = query.SplitList(invServices...)
	}
	if f.Changed("all-services") {
		cfg.AWS.AllServices = invAllServices
	}
	if f.Changed("no-eks") {
		cfg.AWS.NoEKS = invNoEKS
	}
	if f.Changed("eks-clusters") {
		cfg.AWS.EKSClusters = query.SplitList(invEKSClusters...)
	}
	if f.Changed("concurrency") {
		cfg.Inventory.Concurrency = invConcurrency
	}
	if f.Changed("max-attempts") {
		cfg.Inventory.MaxAttempts = invAttempts
	}
	if f.Changed("task-timeout") {
		cfg.Inventory.TaskTimeout = invTaskTimeout
	}
	if f.Changed("requests-per-second") {
		cfg.Inventory.RequestsPerSecond = invRPS
	}
}

// selectServices resolves the services to collect. Nothing selected means
// ec2. Selecting eks also collects its pods; noEKS removes both.
func selectServices(requested []string, all, noEKS bool) ([]resource.Service, []string) {
	var (
		selected []resource.Service
		unknown  []string
	)
	if all {
		selected = resource.Services()
	} else {
		for _, name := range requested {
			s := resource.ParseService(name)
			if !s.Known() {
				unknown = append(unknown, name)
				continue
			}
			if !slices.Contains(selected, s) {
				selected = append(selected, s)
			}
		}
		if len(selected) == 0 && len(unknown) == 0 {
			selected = []resource.Service{resource.ServiceEC2}
		}
		if slices.Contains(selected, resource.ServiceEKS) && !slices.Contains(selected, resource.ServiceEKSPod) {
			selected = append(selected, resource.ServiceEKSPod)
		}
	}

	if noEKS {
		selected = slices.DeleteFunc(selected, func(s resource.Service) bool {
			return s == resource.ServiceEKS || s == resource.ServiceEKSPod
		})
	}
	return selected, unknown
}

func joinServices(services []resource.Service) string {
	names := make([]string, len(services))
	for i, s := range services {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// printReport writes the end-of-run summary and the failed pairs.
func printReport(w io.Writer, r *orchestrator.Report) {
	status := green("complete")
	switch {
	case r.Canceled:
		status = yellow("canceled")
	case r.Failed():
		status = yellow("partial")
	}

	fmt.Fprintf(w, "\nInventory %s in %s: %s resources from %d/%d tasks",
		status, r.Duration().Round(time.Millisecond), bold(r.Resources), r.Succeeded, r.Tasks)
	if r.Skipped > 0 {
		fmt.Fprintf(w, ", %d not started", r.Skipped)
	}
	if r.Dropped > 0 {
		fmt.Fprintf(w, ", %d malformed records dropped", r.Dropped)
	}
	if r.Incomplete > 0 {
		fmt.Fprintf(w, ", %d stored incomplete", r.Incomplete)
	}
	fmt.Fprintln(w)

	services := make([]resource.Service, 0, len(r.ByService))
	for s := range r.ByService {
		services = append(services, s)
	}
	slices.Sort(services)
	for _, s := range services {
		fmt.Fprintf(w, "  %-16s %d\n", s, r.ByService[s])
	}

	if !r.Failed() {
		return
	}

	fmt.Fprintf(w, "\n%s\n", red(fmt.Sprintf("%d task(s) failed:", len(r.Failures))))
	t := table.New(w)
	t.SetHeaders("Service", "Region", "Kind", "Attempts", "Error")
	t.SetHeaderStyle(table.StyleBold)
	t.SetRowLines(false)
	t.SetDividers(table.UnicodeRoundedDividers)
	t.SetAlignment(table.AlignLeft)
	var retryServices, retryRegions []string
	for _, f := range r.Failures {
		t.AddRow(string(f.Service), f.Region, string(f.Kind), fmt.Sprint(f.Attempts), f.Error)
		if !slices.Contains(retryServices, string(f.Service)) {
			retryServices = append(retryServices, string(f.Service))
		}
		if !slices.Contains(retryRegions, f.Region) {
			retryRegions = append(retryRegions, f.Region)
		}
	}
	t.Render()

	fmt.Fprintf(w, "\nRe-run the failed pairs with:\n  cartograph inventory --services %s --regions %s\n",
		strings.Join(retryServices, ","), strings.Join(retryRegions, ","))
}
