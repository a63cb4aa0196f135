package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/notdeveloper/notdeveloper-go/internal/config"
	"github.com/notdeveloper/notdeveloper-go/internal/ipc"
	"github.com/notdeveloper/notdeveloper-go/internal/retry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	serviceURL string
	caller     string
	userID     int
	debug      bool

	cfg    *config.Config
	logger *logrus.Logger
)

// errServiceUnavailable provider 没有发放句柄
var errServiceUnavailable = errors.New("notdeveloper service unavailable")

func main() {
	rootCmd := &cobra.Command{
		Use:           "notdeveloperctl",
		Short:         "Configure which apps see developer mode as disabled",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !debug {
				cfg.Log.Level = "warn"
			}
			logger = config.InitLogger(&cfg.Log)
			logger.SetOutput(os.Stderr)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&serviceURL, "url", "", "service url (defaults to service.url)")
	rootCmd.PersistentFlags().StringVar(&caller, "caller", "", "calling package (defaults to app.package)")
	rootCmd.PersistentFlags().IntVarP(&userID, "user", "u", 0, "Android user id")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug logging")

	rootCmd.AddCommand(
		methodsCmd(),
		statusCmd(),
		setCmd(),
		toggleCmd(),
		enableAllCmd(),
		disableAllCmd(),
		initCmd(),
		deleteCmd(),
		packagesCmd(),
		appsCmd(),
		usersCmd(),
		globalCmd(),
		useGlobalCmd(),
		watchCmd(),
		clearCmd(),
		probeCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func clientOptions() ipc.Options {
	url := serviceURL
	if url == "" {
		url = cfg.Service.URL
	}
	who := caller
	if who == "" {
		who = cfg.App.Package
	}

	rc := retry.DefaultConfig()
	rc.Logger = logger
	return ipc.Options{
		BaseURL:   url,
		Authority: cfg.App.Authority,
		Caller:    who,
		Timeout:   cfg.CallTimeout(),
		Retry:     rc,
		Logger:    logger,
	}
}

// connect 获取服务句柄
func connect(ctx context.Context) (*ipc.Service, error) {
	svc := ipc.Discover(ctx, clientOptions())
	if svc == nil {
		return nil, errServiceUnavailable
	}
	return svc, nil
}

// withService 包装需要服务的子命令
func withService(run func(ctx context.Context, svc *ipc.Service, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := connect(ctx)
		if err != nil {
			return err
		}
		return run(ctx, svc, args)
	}
}
