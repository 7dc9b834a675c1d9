package cmd

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sde-tools/gdbmaint/pkg/logging"
	"github.com/sde-tools/gdbmaint/pkg/maintenance"
	"github.com/sde-tools/gdbmaint/pkg/models"
	"github.com/sde-tools/gdbmaint/pkg/notify"
	"github.com/sde-tools/gdbmaint/pkg/shutdown"
	"github.com/sde-tools/gdbmaint/pkg/tracing"
)

var (
	// Run flags
	runAdminDSN   string
	runOwnerDSNs  []string
	runModes      []string
	runIDPattern  string
	runIndividual bool
	runDryRun     bool
	runNoHistory  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Perform a maintenance run",
	Long: `Run the maintenance sequence selected by --mode over the admin and
owner connections. Typical nightly invocation:

  gdbmaint run --admin "$ADMIN_DSN" --owner "$OWNER_DSN" --mode cra,report`,
	RunE: runMaintenance,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runAdminDSN, "admin", "", "administrative connection DSN (default from config)")
	runCmd.Flags().StringSliceVar(&runOwnerDSNs, "owner", nil, "data owner connection DSN, repeatable (default from config)")
	runCmd.Flags().StringSliceVar(&runModes, "mode", []string{"cra", "report"},
		"mode flags: cra, acra, aca, analyze, compress, rebuild, report, block, kick")
	runCmd.Flags().StringVar(&runIDPattern, "id-pattern", "", "regexp extracting the short connection id used in timer labels")
	runCmd.Flags().BoolVar(&runIndividual, "individual-analyze", false, "analyze datasets one at a time and log each duration")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "log the plan without touching the database")
	runCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "do not persist the run to the history store")
}

func runMaintenance(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Close()

	adminDSN := runAdminDSN
	if adminDSN == "" {
		adminDSN = viper.GetString("admin_dsn")
	}
	ownerDSNs := runOwnerDSNs
	if len(ownerDSNs) == 0 {
		ownerDSNs = viper.GetStringSlice("owner_dsns")
	}
	if adminDSN == "" {
		return fmt.Errorf("an admin connection is required (--admin or admin_dsn in the config)")
	}
	if len(ownerDSNs) == 0 {
		return fmt.Errorf("at least one owner connection is required (--owner or owner_dsns in the config)")
	}

	modes, err := models.ParseModes(runModes)
	if err != nil {
		return err
	}

	idPattern := runIDPattern
	if idPattern == "" {
		idPattern = viper.GetString("id_pattern")
	}
	var pattern *regexp.Regexp
	if idPattern != "" {
		pattern, err = regexp.Compile(idPattern)
		if err != nil {
			return fmt.Errorf("invalid --id-pattern: %w", err)
		}
	}

	ctx, cancel := shutdown.NotifyContext(cmd.Context())
	defer cancel()

	opts := []maintenance.Option{}

	if !runNoHistory {
		store, err := openStore()
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer store.Close()
		opts = append(opts, maintenance.WithStore(store))
	}

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "gdbmaint",
		ServiceVersion: version,
		Environment:    viper.GetString("tracing.environment"),
		OTLPEndpoint:   viper.GetString("tracing.endpoint"),
		Enabled:        viper.GetBool("tracing.enabled"),
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer tracer.Shutdown(ctx)
	opts = append(opts, maintenance.WithTracer(tracer))

	// The email body carries everything the run logged at info and above,
	// the way the overnight operators expect to read it.
	capture := log.NewCapture(logging.INFO, 2000)

	runner := maintenance.NewRunner(maintenance.Config{
		AdminDSN:          adminDSN,
		OwnerDSNs:         ownerDSNs,
		Modes:             modes,
		IDPattern:         pattern,
		IndividualAnalyze: runIndividual,
		DryRun:            runDryRun,
	}, log, opts...)

	result, runErr := runner.Run(ctx)

	if result != nil {
		for _, rerr := range result.RebuildErrors {
			log.Warn("Index rebuild incomplete", map[string]interface{}{"error": rerr.Error()})
		}
		if err := sendReport(result, capture.String()); err != nil {
			log.Error("Failed to send report email", map[string]interface{}{"error": err.Error()})
		}
	}

	return runErr
}

// sendReport emails the captured log body when email is configured.
func sendReport(result *maintenance.Result, body string) error {
	cfg := notify.EmailConfig{
		Enabled:       viper.GetBool("email.enabled"),
		SMTPHost:      viper.GetString("email.smtp_host"),
		SMTPPort:      viper.GetInt("email.smtp_port"),
		Username:      viper.GetString("email.username"),
		Password:      viper.GetString("email.password"),
		From:          viper.GetString("email.from"),
		To:            viper.GetStringSlice("email.to"),
		SubjectPrefix: viper.GetString("email.subject_prefix"),
	}
	if !cfg.Enabled {
		return nil
	}
	if body == "" {
		body = result.Report.String()
	}
	return notify.NewMailer(cfg).SendRunReport(result.Run, body)
}
