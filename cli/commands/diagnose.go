package commands

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-locus/cli/config"
	"github.com/AshkanYarmoradi/go-locus/cli/styles"
	"github.com/AshkanYarmoradi/go-locus/cli/ui"
)

// CheckStatus represents the status of a diagnostic check
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

// CheckResult represents the result of a diagnostic check
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

func newCheckResult(name string, status CheckStatus, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message}
}

func (r CheckResult) withRecommendation(rec string) CheckResult {
	r.Recommendation = rec
	return r
}

// DiagnosticCheck is one named check.
type DiagnosticCheck struct {
	Name  string
	Check func(ctx context.Context) CheckResult
}

// diagnostics holds what the checks share: the loaded config and, once
// connected, the runtime.
type diagnostics struct {
	app     *app
	cfg     *config.Config
	cfgErr  error
	rt      *Runtime
	release func()
}

func newDiagnoseCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "diagnose",
		Aliases: []string{"diag", "doctor"},
		Short:   "Run diagnostic checks",
		Long: `Run diagnostic checks on your locus setup.

This command verifies:
  • Configuration file validity
  • Event store connectivity
  • Snapshot store connectivity
  • Publishing destinations`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d := &diagnostics{app: a}
			defer d.close()
			return d.run(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (d *diagnostics) checks() []DiagnosticCheck {
	return []DiagnosticCheck{
		{Name: "Go Version", Check: d.checkGoVersion},
		{Name: "Configuration", Check: d.checkConfiguration},
		{Name: "Event Store", Check: d.checkEventStore},
		{Name: "Snapshot Store", Check: d.checkSnapshots},
		{Name: "Publishing", Check: d.checkPublishing},
	}
}

func (d *diagnostics) run(ctx context.Context, out io.Writer) error {
	fmt.Fprintln(out, styles.Title.Render(styles.IconLocus+" Running Diagnostics"))

	var results []CheckResult
	allPassed := true
	for _, check := range d.checks() {
		fmt.Fprintf(out, "  %s Checking %s... ", styles.IconPending, check.Name)

		result := check.Check(ctx)
		results = append(results, result)

		switch result.Status {
		case StatusOK:
			fmt.Fprintln(out, styles.SuccessStyle.Render("OK"))
		case StatusWarning:
			fmt.Fprintln(out, styles.WarningStyle.Render("WARNING"))
			allPassed = false
		default:
			fmt.Fprintln(out, styles.ErrorStyle.Render("FAILED"))
			allPassed = false
		}
		if result.Message != "" {
			fmt.Fprintf(out, "    %s\n", styles.Muted.Render(result.Message))
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.Divider(50))
	fmt.Fprintln(out)

	if allPassed {
		fmt.Fprintln(out, styles.FormatSuccess("All checks passed! Your locus setup is healthy."))
		return nil
	}

	fmt.Fprintln(out, styles.FormatWarning("Some checks failed or have warnings."))
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Subtitle.Render("Recommendations:"))
	for _, r := range results {
		if r.Recommendation != "" {
			fmt.Fprintf(out, "  %s %s\n", styles.IconArrow, r.Recommendation)
		}
	}
	return nil
}

func (d *diagnostics) close() {
	if d.release != nil {
		d.release()
	}
}

// connect opens the runtime once and reuses the result for later checks.
func (d *diagnostics) connect(ctx context.Context) (*Runtime, error) {
	if d.rt != nil {
		return d.rt, nil
	}
	rt, release, err := d.app.open(ctx)
	if err != nil {
		return nil, err
	}
	d.rt, d.release = rt, release
	return rt, nil
}

func (d *diagnostics) checkGoVersion(context.Context) CheckResult {
	return newCheckResult("Go Version", StatusOK, runtime.Version())
}

func (d *diagnostics) checkConfiguration(context.Context) CheckResult {
	const name = "Configuration"

	d.cfg, _, d.cfgErr = d.app.loadConfig()
	if d.cfgErr != nil {
		return newCheckResult(name, StatusWarning, d.cfgErr.Error()).
			withRecommendation("Run 'locus init' to create a configuration file")
	}
	if errs := d.cfg.Validate(); len(errs) > 0 {
		return newCheckResult(name, StatusWarning, fmt.Sprintf("%d validation errors", len(errs))).
			withRecommendation(errs[0])
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("Service: %s, Driver: %s", d.cfg.Service.Name, d.cfg.Database.Driver))
}

func (d *diagnostics) checkEventStore(ctx context.Context) CheckResult {
	const name = "Event Store"
	if d.cfg == nil {
		return newCheckResult(name, StatusWarning, "Skipped (no configuration)")
	}

	rt, err := d.connect(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Verify the database URL and that the server is reachable")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rt.HealthCheck(pingCtx)["event log"]; err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Check database server status")
	}
	if rt.Config.Database.Driver == "memory" {
		return newCheckResult(name, StatusOK, "Using in-memory driver (data is lost on exit)")
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("Connected, schema %q", rt.Config.Database.Schema))
}

func (d *diagnostics) checkSnapshots(ctx context.Context) CheckResult {
	const name = "Snapshot Store"
	if d.cfg == nil {
		return newCheckResult(name, StatusWarning, "Skipped (no configuration)")
	}

	switch d.cfg.Snapshots.Store {
	case "none":
		return newCheckResult(name, StatusWarning, "Snapshots disabled; every load replays the full stream").
			withRecommendation("Set snapshots.store to 'eventlog' for long-lived locations")
	case "eventlog":
		return newCheckResult(name, StatusOK, fmt.Sprintf("Stored with events, every %d events, codec %s",
			d.cfg.Snapshots.Frequency, d.cfg.Snapshots.Codec))
	}

	rt, err := d.connect(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Verify REDIS_URL")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rt.HealthCheck(pingCtx)["snapshot store"]; err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Check Redis server status")
	}
	return newCheckResult(name, StatusOK, "Redis reachable")
}

func (d *diagnostics) checkPublishing(context.Context) CheckResult {
	const name = "Publishing"
	if d.cfg == nil {
		return newCheckResult(name, StatusWarning, "Skipped (no configuration)")
	}

	var dests []string
	pub := d.cfg.Publishing
	if pub.KafkaTopic != "" {
		dests = append(dests, fmt.Sprintf("kafka:%s (%s)", pub.KafkaTopic, strings.Join(pub.KafkaBrokers, ",")))
	}
	if pub.SNSTopicARN != "" {
		dests = append(dests, "sns:"+pub.SNSTopicARN)
	}
	if pub.WebhookURL != "" {
		dests = append(dests, "webhook")
	}
	if len(dests) == 0 {
		return newCheckResult(name, StatusOK, "No destinations configured; events are not published")
	}
	return newCheckResult(name, StatusOK, strings.Join(dests, ", "))
}

// NewVersionCommand creates the version command
func NewVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.SimpleBanner())
			fmt.Fprintln(out)

			table := ui.NewTable("Component", "Value")
			table.AddRow("Version", version)
			table.AddRow("Commit", commit)
			table.AddRow("Built", date)
			table.AddRow("Go", runtime.Version())
			table.AddRow("OS/Arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}
}
