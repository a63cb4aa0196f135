package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/notdeveloper/notdeveloper-go/internal/config"
	"github.com/notdeveloper/notdeveloper-go/internal/detection"
	"github.com/notdeveloper/notdeveloper-go/internal/hook"
	"github.com/notdeveloper/notdeveloper-go/internal/platform"
	"github.com/notdeveloper/notdeveloper-go/internal/prefs"
	"github.com/notdeveloper/notdeveloper-go/internal/sysapi"
	"github.com/notdeveloper/notdeveloper-go/internal/xposed"
	"github.com/spf13/cobra"
)

// probeCmd 在本进程内模拟目标应用启动，对比真实值与应用看到的值
func probeCmd() *cobra.Command {
	var (
		source string
		appID  int
	)
	cmd := &cobra.Command{
		Use:   "probe <package>",
		Short: "Load the hooks as <package> would and compare what it observes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg := args[0]
			ctx := cmd.Context()

			var plat platform.Platform
			if cfg.Platform.Driver == "memory" {
				plat = platform.NewMemory()
			} else {
				plat = platform.NewADB(cfg.Platform.ADB.Target, time.Duration(cfg.Platform.ADB.Timeout)*time.Second, logger)
			}

			bridge := xposed.NewBridge()
			// hook 进程内的 warn/error 同步到框架日志
			procLogger := config.NewHookedProcessLogger(&cfg.Log, bridge, pkg)

			var preferences hook.Preferences
			switch source {
			case "file":
				preferences = prefs.NewFileSource(cfg.Prefs.SnapshotPath, procLogger)
			case "service":
				opts := clientOptions()
				opts.Logger = procLogger
				preferences = hook.NewServicePreferences(opts, cfg.CallTimeout(), procLogger)
			default:
				return fmt.Errorf("unknown preference source %q (file or service)", source)
			}

			api := sysapi.Install(ctx, bridge, plat)
			engine := hook.NewEngine(hook.Config{
				Prefs:      preferences,
				AppPackage: cfg.App.Package,
				Logger:     procLogger,
			})
			xposed.LoadPackage(&xposed.LoadPackageParam{
				PackageName: pkg,
				ProcessName: pkg,
				UID:         platform.UID(userID, appID),
				Bridge:      bridge,
			}, engine)

			w := newTable()
			fmt.Fprintln(w, "METHOD\tREAL\tOBSERVED")
			cr := sysapi.ContentResolver{PackageName: pkg, UserID: userID}
			for _, m := range detection.Default().AllMethods() {
				actual, observed := observe(ctx, plat, api, cr, m)
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.Key, actual, observed)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			for _, line := range bridge.Logs() {
				fmt.Println("xposed:", line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "file", "preference source inside the app: file or service")
	cmd.Flags().IntVar(&appID, "app-id", 10000, "application id used to build the uid")
	return cmd
}

func observe(ctx context.Context, plat platform.Platform, api *sysapi.API, cr sysapi.ContentResolver, m detection.Method) (string, string) {
	switch m.Kind {
	case detection.KindSettings:
		actual, err := plat.GetSetting(ctx, m.Namespace, m.SettingKey, cr.UserID)
		if err != nil {
			actual = "<unset>"
		}
		observed := "<unset>"
		if n, err := api.Settings(m.Namespace).GetInt(cr, m.SettingKey); err == nil {
			observed = strconv.Itoa(n)
		}
		return actual, observed
	default:
		actual, err := plat.GetProperty(ctx, m.PropertyKey)
		if err != nil {
			actual = "<error>"
		}
		return actual, api.SystemProperties().Get(m.PropertyKey)
	}
}
