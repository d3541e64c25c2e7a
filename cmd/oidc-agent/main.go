package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"

	"github.com/brizzai/oidc-agent/internal/auth"
	"github.com/brizzai/oidc-agent/internal/auth/flow"
	"github.com/brizzai/oidc-agent/internal/config"
	"github.com/brizzai/oidc-agent/internal/logger"
)

func main() {
	Execute()
}

var (
	noLogin      bool
	providerHint string
	statusFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "oidc-agent",
	Short: "A local OAuth2/OIDC (PKCE) session agent",
	Long: `oidc-agent maintains a single authenticated session against an OIDC realm.
It drives the authorization-code-with-PKCE login flow through the system
browser, keeps the tokens refreshed in the background, and persists them in
encrypted storage across restarts.`,
	RunE: runAgent,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			pterm.Info.Println(config.GetVersionInfo())
			os.Exit(0)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func init() {
	// Realm overrides declared on pflag.CommandLine; cobra parses them and
	// config.Load binds them into viper.
	config.InitFlags()
	rootCmd.PersistentFlags().AddFlagSet(pflag.CommandLine)

	rootCmd.PersistentFlags().BoolVar(&noLogin, "no-login", false, "Do not start an interactive login when no session can be restored")
	rootCmd.PersistentFlags().StringVar(&providerHint, "provider", "", "Identity provider hint forwarded to the realm (e.g. google)")
	rootCmd.PersistentFlags().StringVar(&statusFormat, "status-format", "text", "Session status output format (text|yaml)")
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Show version information")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.InitLogger(&cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var (
		svc          *auth.Service
		orchestrator *flow.Orchestrator
	)
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		auth.Module,
		// The scheduler is bound to the process lifecycle: started here,
		// torn down on Stop so no timer survives the agent.
		fx.Invoke(func(lc fx.Lifecycle, sched *auth.RefreshScheduler) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error { sched.Start(); return nil },
				OnStop:  func(context.Context) error { sched.Stop(); return nil },
			})
		}),
		fx.Populate(&svc, &orchestrator),
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	if cfg.Realm.Discovery {
		if err := orchestrator.Discover(ctx); err != nil {
			pterm.Error.Printf("Endpoint discovery failed: %v\n", err)
			return err
		}
	}

	// Try to restore the previous session before bothering the user.
	svc.Bootstrap(ctx)

	if !svc.Snapshot().IsAuthenticated && !noLogin {
		pterm.Info.Println("Opening your browser to sign in...")
		if providerHint != "" {
			err = svc.LoginWithProvider(ctx, providerHint)
		} else {
			err = svc.Login(ctx)
		}
		if err != nil {
			pterm.Error.Printf("Login failed: %v\n", err)
			return err
		}
	}

	if err := printStatus(svc.Snapshot()); err != nil {
		return err
	}

	if svc.Snapshot().IsAuthenticated {
		pterm.Info.Println("Session active; tokens refresh in the background. Press Ctrl-C to exit.")
	} else {
		pterm.Warning.Println("No active session. Press Ctrl-C to exit.")
	}

	<-ctx.Done()
	return nil
}

func printStatus(snap auth.Snapshot) error {
	switch statusFormat {
	case "yaml":
		out, err := yaml.Marshal(snap)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
	case "text", "":
		if snap.User != nil {
			pterm.Success.Printf("Signed in as %s (%s)\n", snap.User.FullName, snap.User.Email)
		} else {
			pterm.Info.Println("Not signed in")
		}
	default:
		return fmt.Errorf("unsupported status format: %s", statusFormat)
	}
	return nil
}
