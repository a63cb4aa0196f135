package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/notdeveloper/notdeveloper-go/internal/datastore"
	"github.com/notdeveloper/notdeveloper-go/internal/detection"
	"github.com/notdeveloper/notdeveloper-go/internal/ipc"
	"github.com/spf13/cobra"
)

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func onOff(v bool) string {
	if v {
		return "hidden"
	}
	return "visible"
}

func parseSwitch(s string) (bool, error) {
	switch s {
	case "on", "hide", "true", "1":
		return true, nil
	case "off", "show", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

// lookupMethod 命令行里的方法名必须在目录中
func lookupMethod(key string) (detection.Method, error) {
	m, ok := detection.Default().Lookup(key)
	if !ok {
		return detection.Method{}, fmt.Errorf("unknown detection method %q (see `notdeveloperctl methods`)", key)
	}
	return m, nil
}

func methodsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List the detection methods that can be hidden",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := newTable()
			fmt.Fprintln(w, "CATEGORY\tKEY\tKIND\tOVERRIDE")
			for _, c := range detection.Default().Categories() {
				for _, m := range c.Methods {
					override := strconv.Itoa(detection.SettingsOverride)
					if m.Kind == detection.KindSystemProperties {
						override = m.OverrideValue
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, m.Key, m.Kind, override)
				}
			}
			return w.Flush()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <package>",
		Short: "Show per-method state for a package",
		Args:  cobra.ExactArgs(1),
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			pkg := args[0]
			w := newTable()
			fmt.Fprintln(w, "METHOD\tSTORED\tEFFECTIVE")
			for _, m := range detection.Default().AllMethods() {
				stored, err := svc.IsDetectionEnabled(ctx, pkg, userID, m.Key)
				if err != nil {
					return err
				}
				effective, err := svc.IsDetectionEnabledEffective(ctx, pkg, userID, m.Key)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.Key, onOff(stored), onOff(effective))
			}
			return w.Flush()
		}),
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <package> <method> <on|off>",
		Short: "Hide (on) or reveal (off) one signal for a package",
		Args:  cobra.ExactArgs(3),
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			m, err := lookupMethod(args[1])
			if err != nil {
				return err
			}
			enabled, err := parseSwitch(args[2])
			if err != nil {
				return err
			}
			if err := svc.InsertDetection(ctx, args[0], userID, m.Key, enabled); err != nil {
				return err
			}
			fmt.Printf("%s %s: %s\n", args[0], m.Key, onOff(enabled))
			return nil
		}),
	}
}

func toggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <package> <method>",
		Short: "Flip one signal for a package",
		Args:  cobra.ExactArgs(2),
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			m, err := lookupMethod(args[1])
			if err != nil {
				return err
			}
			v, err := svc.ToggleDetectionEnabled(ctx, args[0], userID, m.Key)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %s\n", args[0], m.Key, onOff(v))
			return nil
		}),
	}
}

func enableAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable-all <package>",
		Short: "Hide every signal from a package",
		Args:  cobra.ExactArgs(1),
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			return svc.EnableAllDetectionsForPackage(ctx, args[0], userID)
		}),
	}
}

func disableAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable-all <package>",
		Short: "Reveal every signal to a package",
		Args:  cobra.ExactArgs(1),
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			return svc.DisableAllDetectionsForPackage(ctx, args[0], userID)
		}),
	}
}

func initCmd() *cobra.Command {
	var appID int
	cmd := &cobra.Command{
		Use:   "init <package>",
		Short: "Register a package and hide every signal from it",
		Args:  cobra.ExactArgs(1),
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			return svc.InitializePackage(ctx, args[0], userID, appID)
		}),
	}
	cmd.Flags().IntVar(&appID, "app-id", 0, "application id of the package")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <package>",
		Short: "Forget a package and its configuration",
		Args:  cobra.ExactArgs(1),
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			return svc.DeletePackage(ctx, args[0], userID)
		}),
	}
}

func packagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "packages",
		Short: "List configured packages of a user",
		Args:  cobra.NoArgs,
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			infos, err := svc.ListPackageInfosByUser(ctx, userID)
			if err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintln(w, "PACKAGE\tUSER\tAPP ID")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%d\t%d\n", info.PackageName, info.UserID, info.AppID)
			}
			return w.Flush()
		}),
	}
}

func appsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List installed applications of a user",
		Args:  cobra.NoArgs,
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			apps, err := svc.QueryApps(ctx, userID)
			if err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintln(w, "PACKAGE\tUID")
			for _, app := range apps {
				fmt.Fprintf(w, "%s\t%d\n", app.PackageName, app.UID)
			}
			return w.Flush()
		}),
	}
}

func usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List Android users",
		Args:  cobra.NoArgs,
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			users, err := svc.Users(ctx)
			if err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tNAME")
			for _, u := range users {
				fmt.Fprintf(w, "%d\t%s\n", u.ID, u.Name)
			}
			return w.Flush()
		}),
	}
}

func globalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "global",
		Short: "Manage switches applied to every app",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show global switches",
		Args:  cobra.NoArgs,
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			w := newTable()
			fmt.Fprintln(w, "METHOD\tSTATE")
			for _, m := range detection.Default().AllMethods() {
				v, err := svc.IsGlobalDetectionEnabled(ctx, m.Key)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\n", m.Key, onOff(v))
			}
			return w.Flush()
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <method> <on|off>",
		Short: "Set a global switch",
		Args:  cobra.ExactArgs(2),
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			m, err := lookupMethod(args[0])
			if err != nil {
				return err
			}
			enabled, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			return svc.InsertGlobalDetection(ctx, m.Key, enabled)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "toggle <method>",
		Short: "Flip a global switch",
		Args:  cobra.ExactArgs(1),
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			m, err := lookupMethod(args[0])
			if err != nil {
				return err
			}
			v, err := svc.ToggleGlobalDetectionEnabled(ctx, m.Key)
			if err != nil {
				return err
			}
			fmt.Printf("global %s: %s\n", m.Key, onOff(v))
			return nil
		}),
	})
	return cmd
}

// useGlobalCmd 直接读写 datastore 文件，daemon 通过文件监听感知变化
func useGlobalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use-global [on|off]",
		Short: "Show or change whether global switches override per-app ones",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := datastore.Open(cfg.DataStore.Dir, logger).UseGlobalPreferences
			if len(args) == 0 {
				fmt.Printf("use global preferences: %t\n", store.Load().Enabled)
				return nil
			}
			enabled, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			return store.Save(datastore.UseGlobalPreferences{Enabled: enabled})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <package> <method>",
		Short: "Stream changes of one switch until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			m, err := lookupMethod(args[1])
			if err != nil {
				return err
			}
			unlisten, err := svc.ListenDetection(ctx, args[0], userID, m.Key, func(v bool) {
				fmt.Printf("%s %s: %s\n", args[0], m.Key, onOff(v))
			})
			if err != nil {
				return err
			}
			defer unlisten()

			<-ctx.Done()
			return nil
		}),
	}
}

func clearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored package and switch",
		Args:  cobra.NoArgs,
		RunE: withService(func(ctx context.Context, svc *ipc.Service, args []string) error {
			if !yes {
				return errors.New("refusing to clear all data without --yes")
			}
			return svc.ClearAllData(ctx)
		}),
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}
