package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"suasflow/internal/app"
	"suasflow/internal/config"
	"suasflow/internal/db"
	"suasflow/internal/domain"
	"suasflow/internal/migrate"
	"suasflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "suas",
	Short: "SUAS referral SLA and automation CLI",
	Long: `suas tracks intersectoral referrals sent by CRAS/CREAS units and runs the
automation rules that turn stale situations into follow-up tasks.
- Referral: a citizen sent to health, education or another service. It moves
  sent -> received -> scheduled -> attended -> feedback_given -> completed and
  may be cancelled while open. Feedback is due within deadline_days.
- Overdue: a referral awaiting feedback past its deadline.
- Rules: catalog entries (caso_sem_movimentacao, encaminhamento_sem_devolutiva, ...)
  seeded per municipality or unit; each run creates each task at most once.
- Compliance: destinations, units or territories ranked by on-time feedback.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SUAS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/suas.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("municipality", "", "municipality IBGE code (overrides config)")
	flags.String("unit", "", "unit id (CRAS/CREAS) to scope the command to")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("actor-id", flags.Lookup("actor-id"))
	_ = viper.BindPFlag("municipality", flags.Lookup("municipality"))
	_ = viper.BindPFlag("unit", flags.Lookup("unit"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(referralCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(complianceCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Viper:      viper.GetViper(),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Build(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// commandScope is the municipality of the workspace narrowed to --unit.
func commandScope(a *app.App) domain.Scope {
	scope := a.Scope()
	scope.UnitID = strings.TrimSpace(viper.GetString("unit"))
	return scope
}

func actorID() string {
	return viper.GetString("actor-id")
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect suas.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default suas.yml for --municipality",
		RunE: func(cmd *cobra.Command, args []string) error {
			municipality := strings.TrimSpace(viper.GetString("municipality"))
			if municipality == "" {
				return fmt.Errorf("--municipality required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(municipality)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(appOptions())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Up(cmd.Context(), conn)
			if err != nil {
				return err
			}
			version, err := migrate.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(applied))
			for _, m := range applied {
				names = append(names, m.Name)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"version": version, "applied": names})
			}
			fmt.Printf("schema version %d (%d applied)\n", version, len(applied))
			return nil
		},
	}
}

// snapshotFile is the YAML layout accepted by snapshot import.
type snapshotFile struct {
	Cases            []domain.Case                    `yaml:"cases"`
	PreRegistrations []domain.CadUnicoPreRegistration `yaml:"cadunico_preregistrations"`
	SCFV             []domain.SCFVParticipant         `yaml:"scfv_participants"`
}

func snapshotCmd() *cobra.Command {
	snap := &cobra.Command{
		Use:   "snapshot",
		Short: "Load case, CadÚnico and SCFV records the rules read",
	}
	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import records from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var in snapshotFile
			if err := yaml.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("invalid snapshot yaml: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				mid := a.Config.Scope.MunicipalityID
				for i := range in.Cases {
					in.Cases[i].MunicipalityID = orDefault(in.Cases[i].MunicipalityID, mid)
				}
				for i := range in.PreRegistrations {
					in.PreRegistrations[i].MunicipalityID = orDefault(in.PreRegistrations[i].MunicipalityID, mid)
				}
				for i := range in.SCFV {
					in.SCFV[i].MunicipalityID = orDefault(in.SCFV[i].MunicipalityID, mid)
				}
				if err := a.Repo.ImportSnapshot(ctx, domain.Snapshot{
					Cases:            in.Cases,
					PreRegistrations: in.PreRegistrations,
					SCFV:             in.SCFV,
				}); err != nil {
					return err
				}
				return printJSONOrText(map[string]int{
					"cases":                     len(in.Cases),
					"cadunico_preregistrations": len(in.PreRegistrations),
					"scfv_participants":         len(in.SCFV),
				}, func() {
					fmt.Printf("imported %d cases, %d pre-registrations, %d SCFV participants\n", len(in.Cases), len(in.PreRegistrations), len(in.SCFV))
				})
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "path to YAML snapshot")
	_ = imp.MarkFlagRequired("file")
	snap.AddCommand(imp)
	return snap
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for --actor-id scoped to the municipality and --unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions())
			if err != nil {
				return err
			}
			scope := domain.Scope{MunicipalityID: cfg.Scope.MunicipalityID, UnitID: viper.GetString("unit")}
			token, err := server.IssueToken(cfg.Server.JWTSecret, actorID(), scope, ttl)
			if err != nil {
				return fmt.Errorf("%w; set server.jwt_secret or SUAS_SERVER_JWT_SECRET", err)
			}
			return printJSONOrText(map[string]string{"token": token}, func() { fmt.Println(token) })
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func printJSONOrText(v any, text func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	text()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
